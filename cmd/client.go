package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/service"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// cliClient is the CLI's gateway connection. It emits message.received for
// the active CLI session and follows the run event stream back, so long runs
// are not bounded by the gateway's request timeout.
type cliClient struct {
	client *service.Client

	mu         sync.Mutex
	sessionKey string
	streamed   bool
	done       chan runResult
}

type runResult struct {
	response string
	err      error
}

func dialCLI(ctx context.Context, cfg *config.Config) (*cliClient, error) {
	c := &cliClient{}
	client, err := service.Dial(ctx, service.Options{
		URL: cfg.GatewayURL(),
		Registration: protocol.ServiceRegistration{
			Service: "cli",
			Events:  []string{protocol.EventMessageReceived},
			Subscriptions: []string{
				protocol.EventRunDelta,
				protocol.EventRunCompleted,
				protocol.EventRunError,
			},
		},
		Handler:     c,
		CallTimeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

func (c *cliClient) Close() { c.client.Close() }

// Call forwards a method call on the underlying client.
func (c *cliClient) Call(ctx context.Context, target, method string, params any, out any) error {
	return c.client.Call(ctx, target, method, params, out)
}

// Send submits one message on sessionKey and waits for the run to finish.
// Assistant deltas stream to stdout as they arrive.
func (c *cliClient) Send(ctx context.Context, sessionKey, content string) (string, error) {
	done := make(chan runResult, 1)
	c.mu.Lock()
	c.sessionKey = sessionKey
	c.streamed = false
	c.done = done
	c.mu.Unlock()

	err := c.client.Emit(protocol.EventMessageReceived, protocol.MessageReceivedPayload{
		Channel:    "cli",
		UserID:     "local",
		Content:    content,
		SessionKey: sessionKey,
	})
	if err != nil {
		return "", err
	}

	select {
	case res := <-done:
		return res.response, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HandleMethod implements service.Handler; the CLI serves no methods.
func (c *cliClient) HandleMethod(_ context.Context, method string, _ json.RawMessage) (any, error) {
	return nil, &protocol.ErrorInfo{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
}

// HandleEvent implements service.Handler.
func (c *cliClient) HandleEvent(_ context.Context, event string, payload json.RawMessage) {
	switch event {
	case protocol.EventRunDelta:
		var p protocol.RunDeltaPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		c.mu.Lock()
		match := p.SessionKey == c.sessionKey
		if match && p.Kind == protocol.DeltaAssistant && p.Text != "" {
			c.streamed = true
		}
		c.mu.Unlock()
		if !match {
			return
		}
		switch p.Kind {
		case protocol.DeltaAssistant:
			fmt.Print(p.Text)
		case protocol.DeltaTool:
			fmt.Fprintf(os.Stderr, "[tool %s %s]\n", p.ToolName, p.Phase)
		}

	case protocol.EventRunCompleted, protocol.EventRunError:
		var p protocol.RunLifecyclePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if p.SessionKey != c.sessionKey || c.done == nil {
			return
		}
		res := runResult{response: p.Response}
		if event == protocol.EventRunError {
			res.err = fmt.Errorf("%s", p.Error)
		} else if c.streamed {
			// Already printed via deltas; suppress the duplicate.
			res.response = ""
		}
		c.done <- res
		c.done = nil
	}
}
