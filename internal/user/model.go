package user

import "errors"

var (
	ErrLoginTaken         = errors.New("login already taken")
	ErrUnknownLogin       = errors.New("unknown login")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type User struct {
	ID          int    `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	Password    string `json:"-"`
}

type RegisterRequest struct {
	Login       string `json:"login" validate:"required,min=2,max=50,alphanum"`
	Password    string `json:"password" validate:"required,min=6,max=72"`
	DisplayName string `json:"display_name" validate:"required,max=100"`
}

type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}
