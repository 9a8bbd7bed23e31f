// Command client is a minimal terminal front end for the relay protocol,
// standing in for a real presentation layer on top of the client engine.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go-relay/client"
	"go-relay/conversation"
)

var addr = flag.String("addr", "ws://localhost:8080/ws", "websocket address of the relay server")

// printer dumps every event to stdout.
type printer struct{}

func (printer) OnPresenceChanged(login string, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	fmt.Printf("* %s is now %s\n", login, state)
}

func (printer) OnMessage(sender, text string, conversationID int) {
	fmt.Printf("[%d] %s: %s\n", conversationID, sender, text)
}

func (printer) OnHistory(conversationID int, messages []conversation.Message) {
	fmt.Printf("--- history of %d ---\n", conversationID)
	for _, m := range messages {
		fmt.Printf("  %s: %s\n", m.Sender, m.Text)
	}
}

func (printer) OnGroupCreated(name string, conversationID int) {
	fmt.Printf("* group %q created with id %d\n", name, conversationID)
}

func (printer) OnGroupLeft(conversationName string) {
	fmt.Printf("* left group %q\n", conversationName)
}

func main() {
	flag.Parse()

	engine := client.NewEngine(*addr, printer{}, slog.Default())
	if err := engine.Connect(); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Println("commands: register <login> <password> <name> | login <login> <password> |")
	fmt.Println("          ls | msg <id> <text> | hist <id> | group <name> <a,b,c> | leave <id> | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "register":
			if len(fields) < 4 {
				fmt.Println("usage: register <login> <password> <name>")
				continue
			}
			var ok bool
			ok, err = engine.Register(fields[1], fields[2], strings.Join(fields[3:], " "))
			fmt.Println("registered:", ok)

		case "login":
			if len(fields) != 3 {
				fmt.Println("usage: login <login> <password>")
				continue
			}
			var ok bool
			ok, err = engine.Login(fields[1], fields[2])
			fmt.Println("logged in:", ok)

		case "ls":
			for _, c := range engine.Conversations() {
				fmt.Printf("[%d] %s %v (%d messages)\n", c.ID, c.Name, c.Participants, len(c.Messages))
			}

		case "msg":
			if len(fields) < 3 {
				fmt.Println("usage: msg <id> <text>")
				continue
			}
			err = withID(fields[1], func(id int) error {
				return engine.SendMessage(id, strings.Join(fields[2:], " "))
			})

		case "hist":
			if len(fields) != 2 {
				fmt.Println("usage: hist <id>")
				continue
			}
			err = withID(fields[1], engine.GetHistory)

		case "group":
			if len(fields) != 3 {
				fmt.Println("usage: group <name> <a,b,c>")
				continue
			}
			err = engine.CreateGroup(fields[1], strings.Split(fields[2], ","))

		case "leave":
			if len(fields) != 2 {
				fmt.Println("usage: leave <id>")
				continue
			}
			err = withID(fields[1], engine.LeaveGroup)

		case "quit":
			return

		default:
			fmt.Println("unknown command:", fields[0])
		}

		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func withID(field string, fn func(int) error) error {
	id, err := strconv.Atoi(field)
	if err != nil {
		return fmt.Errorf("bad conversation id %q", field)
	}
	return fn(id)
}
