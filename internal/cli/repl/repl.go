// Package repl implements the interactive operator console.
package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"

	httpclient "runbox/internal/cli/http"
)

const maxPollAttempts = 120

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	prettyJSON   bool
	pollInterval time.Duration
	rl           *readline.Instance
	out          io.Writer
}

func New(client *httpclient.Client, historyFile string, pollInterval time.Duration, prettyJSON bool) (*Session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "runbox> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("init readline failed: %w", err)
	}
	return &Session{
		client:       client,
		prettyJSON:   prettyJSON,
		pollInterval: pollInterval,
		rl:           rl,
		out:          rl.Stdout(),
	}, nil
}

func (s *Session) Close() {
	_ = s.rl.Close()
}

func (s *Session) Run(ctx context.Context) {
	for {
		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				s.printLine("bye")
				return
			}
			s.printLine("read input failed: %v", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if s.handleSystemCommand(line) {
			continue
		}

		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	switch line {
	case "exit", "quit":
		s.printLine("bye")
		os.Exit(0)
	case "help":
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout|interval")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:3000")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "interval":
		if len(parts) < 2 {
			s.printLine("usage: set interval 500ms")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.pollInterval = dur
		s.printLine("poll interval set to %s", dur)
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("pollInterval: %s", s.pollInterval)
	default:
		s.printLine("usage: show config")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	switch tokens[0] {
	case "run":
		if len(tokens) != 3 {
			return fmt.Errorf("usage: run <language> <file>")
		}
		return s.submit(ctx, tokens[1], tokens[2])
	case "result":
		if len(tokens) != 2 {
			return fmt.Errorf("usage: result <jobId>")
		}
		resp, err := s.fetchResult(ctx, tokens[1])
		if err != nil {
			return err
		}
		s.renderResponse(resp)
		return nil
	case "poll":
		if len(tokens) != 2 {
			return fmt.Errorf("usage: poll <jobId>")
		}
		return s.poll(ctx, tokens[1])
	case "health":
		resp, err := s.client.Do(ctx, http.MethodGet, "/health", nil)
		if err != nil {
			return err
		}
		s.renderResponse(resp)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", tokens[0])
	}
}

func (s *Session) submit(ctx context.Context, language, file string) error {
	code, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read source file failed: %w", err)
	}
	body, err := json.Marshal(map[string]string{
		"language": language,
		"code":     string(code),
	})
	if err != nil {
		return fmt.Errorf("encode request failed: %w", err)
	}
	resp, err := s.client.Do(ctx, http.MethodPost, "/run", body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	if resp.StatusCode != http.StatusAccepted {
		return nil
	}
	var ack struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(resp.Body, &ack); err != nil || ack.JobID == "" {
		return nil
	}
	s.printLine("poll with: poll %s", ack.JobID)
	return nil
}

func (s *Session) fetchResult(ctx context.Context, jobID string) (httpclient.ResponseInfo, error) {
	return s.client.Do(ctx, http.MethodGet, "/results/"+url.PathEscape(jobID), nil)
}

// poll fetches the job until it reaches a terminal state.
func (s *Session) poll(ctx context.Context, jobID string) error {
	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		resp, err := s.fetchResult(ctx, jobID)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			s.renderResponse(resp)
			return nil
		}
		var res struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(resp.Body, &res); err != nil {
			s.renderResponse(resp)
			return nil
		}
		if res.State == "completed" || res.State == "failed" {
			s.renderResponse(resp)
			return nil
		}
		s.printLine("state: %s", res.State)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
	return fmt.Errorf("job %s still pending after %d polls", jobID, maxPollAttempts)
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	s.printLine("  run <language> <file>   submit a source file for execution")
	s.printLine("  result <jobId>          fetch the current job state")
	s.printLine("  poll <jobId>            wait for the job to finish")
	s.printLine("  health                  check service and broker status")
	s.printLine("system: help | exit | set base|timeout|interval | show config")
	s.printLine("examples:")
	s.printLine("  run python ./hello.py")
	s.printLine("  run cpp ./main.cpp")
	s.printLine("  poll 1a2b3c4d-0000-0000-0000-000000000000")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
