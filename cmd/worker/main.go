package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/alertclient"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/config"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/engine"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/queue"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/store"
)

// Worker consumes engine state-change notifications and forwards the ones
// operations cares about: system_error discrepancies go to the alerting
// service, everything else is logged for the dashboard's push channel.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		q = queue.NewRedisQueue(redisClient.Client, "presence:notifications")
	}

	alerts := alertclient.New(cfg.AlertServiceURL, cfg.AlertSkip)
	if !cfg.AlertSkip {
		if err := alerts.Health(ctx); err != nil {
			log.Printf("WARNING: alert service not available: %v", err)
			log.Println("worker will retry when alerts arrive")
		} else {
			log.Println("alert service connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for notifications...")
	for msg := range messages {
		var note engine.Notification
		if err := json.Unmarshal(msg.Body, &note); err != nil {
			log.Printf("bad notification payload (%s): %v", msg.Type, err)
			continue
		}

		log.Printf("notification %s session=%s student=%s flag=%s", note.Type, note.SessionID, note.StudentID, note.Flag)

		if note.Type != engine.NoteSystemError {
			continue
		}
		err := alerts.Send(ctx, alertclient.Alert{
			Source:    "presence-engine",
			SessionID: note.SessionID,
			StudentID: note.StudentID,
			Flag:      note.Flag,
			Detail:    "persisting an engine outcome failed after bounded retries",
			At:        note.At,
		})
		if err != nil {
			log.Printf("alert forward failed: %v", err)
		}
	}

	log.Println("worker stopped")
}
