// gmp-client performs a smoke run against a mock relay server: it enqueues a
// sample task, lists the chain's tasks, submits a sample event batch and
// round-trips a payload.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/commonprefix/mock-gmp-api/pkg/client"
)

var sampleTask = json.RawMessage(`{
  "type": "GATEWAY_TX",
  "meta": {
    "scopedMessages": [
      {
        "messageID": "0xf8ce6ce5191d701d28ff70deb326392070aaffc19b348439a4b6e2d7b9223091-164275108",
        "sourceChain": "axelar"
      }
    ]
  },
  "task": {
    "executeData": "EgAAIgAAAAAkAAAAACApAF4="
  }
}`)

var sampleEvent = json.RawMessage(`{
  "type": "CALL",
  "eventID": "0xe168dcf7f0e7ce7c4676a71ee21abd2e8a78a5c6ac49706cc99a884d2000de54-call",
  "message": {
    "messageID": "0xe168dcf7f0e7ce7c4676a71ee21abd2e8a78a5c6ac49706cc99a884d2000de54",
    "sourceChain": "xrpl",
    "sourceAddress": "rNrjh1KGZk2jBR3wPfAQnoidtFFYQKbQn2",
    "destinationAddress": "axelar1aqcj54lzz0rk22gvqgcn8fr5tx4rzwdv5wv5j9dmnacgefvd7wzsy2j2mr",
    "payloadHash": "c5QBU6sGb9FrHOWqz/vmxpO5DS/NKeWSfAoGzOhfnic="
  },
  "destinationChain": "axelar",
  "payload": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAM="
}`)

func main() {
	server := flag.String("server", envOr("SERVER_URL", "http://localhost:8080"), "mock relay base URL")
	chain := flag.String("chain", "xrpl", "chain to exercise")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if err := run(logger, *server, *chain); err != nil {
		logger.Error("smoke run failed", "error", err)
		os.Exit(1)
	}
	logger.Info("smoke run completed")
}

func run(logger *slog.Logger, server, chain string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c := client.New(server)

	doc, err := c.PostTask(ctx, chain, sampleTask)
	if err != nil {
		return fmt.Errorf("post task: %w", err)
	}
	logger.Info("task enqueued", "task", string(doc))

	tasks, err := c.GetTasks(ctx, chain, "")
	if err != nil {
		return fmt.Errorf("get tasks: %w", err)
	}
	logger.Info("tasks listed", "count", len(tasks))

	results, err := c.PostEvents(ctx, chain, []json.RawMessage{sampleEvent})
	if err != nil {
		return fmt.Errorf("post events: %w", err)
	}
	for _, r := range results.Results {
		logger.Info("event ingested", "index", r.Index, "status", r.Status)
	}

	hash, err := c.StorePayload(ctx, []byte("smoke payload"))
	if err != nil {
		return fmt.Errorf("store payload: %w", err)
	}
	data, err := c.GetPayload(ctx, hash)
	if err != nil {
		return fmt.Errorf("get payload: %w", err)
	}
	logger.Info("payload round-tripped", "keccak256", hash, "bytes", len(data))

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
