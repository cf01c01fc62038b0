package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/disasterwatch/internal/client"
	"github.com/disasterwatch/internal/config"
	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/model"
)

// field is a terminal client for operators in the field: it drives the full
// client stack (connection manager, reconnection, batching, offline staging)
// against a running api service.
func main() {
	logger.SetPrefix("field")
	endpoint := flag.String("endpoint", "http://localhost:8080", "server base URL")
	local := flag.Bool("local", false, "offline-only mode: stage everything locally, never dial")
	dbPath := flag.String("offline-db", "field-offline.db", "offline staging database path")
	name := flag.String("name", "operator", "display name for submitted records")
	flag.Parse()

	cfg := config.Load()
	c := client.New(client.Config{
		Endpoint:      *endpoint,
		UseLocalStore: *local,
		OfflineDBPath: *dbPath,
		Reconnect: client.ReconnectConfig{
			MaxRetries:   cfg.Reconnect.MaxRetries,
			InitialDelay: msec(cfg.Reconnect.InitialDelayMS),
			MaxDelay:     msec(cfg.Reconnect.MaxDelayMS),
			Multiplier:   cfg.Reconnect.Multiplier,
		},
		Batch: client.BatchConfig{
			BatchSize:    cfg.Batch.BatchSize,
			BatchTimeout: msec(cfg.Batch.BatchTimeoutMS),
			MaxQueueSize: cfg.Batch.MaxQueueSize,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	go printEvents(ctx, c)
	if !*local {
		c.Authenticate("", *name, model.RoleResident)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
		os.Exit(0)
	}()

	repl(ctx, c, *name)
}

func repl(ctx context.Context, c *client.Client, name string) {
	fmt.Println("commands: report <type> <description> | chat <reportId> <text> | join <reportId> | list | status | queue | reconnect | quit")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		switch parts[0] {
		case "quit":
			return
		case "status":
			fmt.Printf("connected=%v reconnect=%s queued=%d\n", c.IsConnected(), c.ReconnectState(), c.QueueLength())
		case "queue":
			fmt.Printf("batch queue depth: %d\n", c.QueueLength())
		case "list":
			if err := c.RequestReports(); err != nil {
				fmt.Println("error:", err)
			}
		case "reconnect":
			if err := c.Reconnect(ctx); err != nil {
				fmt.Println("reconnect failed:", err)
			}
		case "join":
			if len(parts) < 2 {
				fmt.Println("usage: join <reportId>")
				continue
			}
			if err := c.JoinReportChat(parts[1]); err != nil {
				fmt.Println("error:", err)
			}
		case "report":
			if len(parts) < 3 {
				fmt.Println("usage: report <type> <description>")
				continue
			}
			staged, err := c.SubmitReport(ctx, model.Report{
				Type:        parts[1],
				Description: parts[2],
				UserName:    name,
				Severity:    model.SeverityMedium,
			})
			if err != nil {
				fmt.Println("error:", err)
			} else if staged != nil {
				fmt.Println("staged offline as", staged.OfflineID)
			} else {
				fmt.Println("submitted")
			}
		case "chat":
			if len(parts) < 3 {
				fmt.Println("usage: chat <reportId> <text>")
				continue
			}
			staged, err := c.SendChatMessage(ctx, model.ChatMessage{
				ReportID: parts[1],
				Text:     parts[2],
				UserName: name,
				UserRole: model.RoleResident,
			})
			if err != nil {
				fmt.Println("error:", err)
			} else if staged != nil {
				fmt.Println("staged offline as", staged.OfflineID)
			}
		default:
			fmt.Println("unknown command:", parts[0])
		}
	}
}

func printEvents(ctx context.Context, c *client.Client) {
	sub := c.Bus().Subscribe(
		client.TopicConnState, client.TopicReportsInit, client.TopicReportNew,
		client.TopicReportSaved, client.TopicReportEdit, client.TopicChatHistory,
		client.TopicChatMessage, client.TopicServerError,
	)
	defer c.Bus().Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			switch v := msg.(type) {
			case client.ConnStatus:
				fmt.Printf("\n[conn] %s %s\n", v.State, v.Reason)
			case []model.Report:
				fmt.Printf("\n[reports] %d active\n", len(v))
				for _, r := range v {
					fmt.Printf("  %s  %-12s %s\n", r.ID, r.Status, r.Type)
				}
			case model.Report:
				fmt.Printf("\n[report] %s %s status=%s\n", v.ID, v.Type, v.Status)
			case client.SubmitAck:
				fmt.Printf("\n[ack] report %s accepted\n", v.Report.ID)
			case client.ChatHistory:
				fmt.Printf("\n[chat %s] %d messages\n", v.ReportID, len(v.Messages))
			case model.ChatMessage:
				fmt.Printf("\n[chat %s] %s: %s\n", v.ReportID, v.UserName, v.Text)
			case client.ServerError:
				fmt.Printf("\n[server error] %s\n", v.Message)
			}
		}
	}
}

func msec(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
