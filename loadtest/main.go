// Load driver for the relay server: registers user pairs, logs them in over
// the protocol, creates a group per pair, and spams messages while counting
// deliveries on the other side.
package main

import (
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go-relay/client"
	"go-relay/conversation"
)

var (
	wsURL    = flag.String("url", "ws://localhost:8080/ws", "websocket address")
	pairs    = flag.Int("pairs", 50, "number of user pairs")
	msgCount = flag.Int("messages", 20, "messages per user")
)

var received atomic.Int64

type counter struct {
	groups chan int
}

func (c *counter) OnPresenceChanged(string, bool) {}

func (c *counter) OnMessage(string, string, int) {
	received.Add(1)
}

func (c *counter) OnHistory(int, []conversation.Message) {}

func (c *counter) OnGroupCreated(_ string, conversationID int) {
	select {
	case c.groups <- conversationID:
	default:
	}
}

func (c *counter) OnGroupLeft(string) {}

func main() {
	flag.Parse()
	log.Printf("starting load test: %d pairs, %d messages each", *pairs, *msgCount)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	log.Printf("load test complete: sent=%d received=%d elapsed=%s",
		int64(*pairs)*int64(*msgCount)*2, received.Load(), time.Since(start))
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u%da", pairID)
	userB := fmt.Sprintf("u%db", pairID)
	pass := "password123"

	engineA, handlerA := connect(userA, pass)
	if engineA == nil {
		return
	}
	defer engineA.Close()

	engineB, _ := connect(userB, pass)
	if engineB == nil {
		return
	}
	defer engineB.Close()

	if err := engineA.CreateGroup(fmt.Sprintf("pair-%d", pairID), []string{userB}); err != nil {
		log.Printf("create group failed [%s]: %v", userA, err)
		return
	}

	var convID int
	select {
	case convID = <-handlerA.groups:
	case <-time.After(5 * time.Second):
		log.Printf("group for pair %d never arrived", pairID)
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spam(&wsWg, engineA, convID, userA)
	go spam(&wsWg, engineB, convID, userB)
	wsWg.Wait()

	// Let in-flight deliveries drain before the connections drop.
	time.Sleep(500 * time.Millisecond)
}

func connect(login, pass string) (*client.Engine, *counter) {
	h := &counter{groups: make(chan int, 1)}
	engine := client.NewEngine(*wsURL, h, nil)
	if err := engine.Connect(); err != nil {
		log.Printf("connect failed [%s]: %v", login, err)
		return nil, nil
	}

	// Ignore the result: the login may already exist from a previous run.
	engine.Register(login, pass, "Load Tester "+login)

	ok, err := engine.Login(login, pass)
	if err != nil || !ok {
		log.Printf("login failed [%s]: ok=%v err=%v", login, ok, err)
		engine.Close()
		return nil, nil
	}
	return engine, h
}

func spam(wg *sync.WaitGroup, engine *client.Engine, convID int, login string) {
	defer wg.Done()
	for i := 0; i < *msgCount; i++ {
		if err := engine.SendMessage(convID, fmt.Sprintf("load message %d from %s", i, login)); err != nil {
			log.Printf("send failed [%s]: %v", login, err)
			return
		}
		// Small pause to avoid an instant localhost bottleneck.
		time.Sleep(10 * time.Millisecond)
	}
}
