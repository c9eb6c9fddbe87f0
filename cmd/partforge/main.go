// Command partforge is a console front-end to the generation
// orchestrator: prompts are read from stdin, progress streams to
// stdout, and produced models are written next to the session.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"partforge/internal/backend"
	"partforge/internal/config"
	"partforge/internal/core"
	"partforge/internal/history"
	"partforge/internal/project"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "partforge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := slog.LevelInfo
	if os.Getenv("PARTFORGE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	client := backend.NewClient(cfg.Backend.URL,
		backend.WithLogger(logger),
		backend.WithRateLimit(cfg.Backend.RateLimit.RequestsPerMinute, cfg.Backend.RateLimit.BurstSize),
	)

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	if err := store.Prune(cfg.History.Keep); err != nil {
		logger.Warn("pruning history failed", "error", err)
	}

	projects, err := project.NewStore(filepath.Join(filepath.Dir(cfg.History.Path), "projects"))
	if err != nil {
		return fmt.Errorf("opening project store: %w", err)
	}

	orch := core.New(cfg.Generation, client,
		core.WithLogger(logger),
		core.WithListener(&consoleListener{out: os.Stdout}),
		core.WithRecorder(core.RecorderFunc(func(e core.HistoryEntry) error {
			return store.Record(history.Entry{
				Prompt:          e.Prompt,
				Code:            e.Code,
				StlBase64:       e.StlBase64,
				Success:         e.Success,
				Error:           e.Error,
				Provider:        e.Provider,
				Model:           e.Model,
				DurationMs:      e.Duration.Milliseconds(),
				InputTokens:     e.InputTokens,
				OutputTokens:    e.OutputTokens,
				TotalTokens:     e.TotalTokens,
				CostUSD:         e.CostUSD,
				ConfidenceScore: e.ConfidenceScore,
				ConfidenceLevel: e.ConfidenceLevel,
				GenerationType:  e.GenerationType,
				RetryCount:      e.RetryCount,
			})
		})),
		core.WithProviderInfo(cfg.Backend.Provider, cfg.Backend.Model),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		orch.Stop()
	}()

	fmt.Println("partforge — describe a part to generate it, /help for commands")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := handleCommand(ctx, orch, store, projects, line); done {
				break
			}
			continue
		}
		if err := orch.Send(ctx, line); err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if code := orch.ProjectCode(); code != core.DefaultProjectCode {
			if _, err := projects.Autosave(line, code); err != nil {
				logger.Warn("autosave failed", "error", err)
			}
			if err := projects.PruneAutosaves(cfg.History.Keep); err != nil {
				logger.Warn("pruning autosaves failed", "error", err)
			}
		}
	}
	return scanner.Err()
}

func handleCommand(ctx context.Context, orch *core.Orchestrator, store *history.Store, projects *project.Store, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(`commands:
  /approve [plan text]   approve the pending plan (optionally edited)
  /reject                reject the pending plan
  /answer a1 | a2 | ...  answer pending clarification questions
  /stop                  cancel the in-flight generation
  /chat <text>           plain chat without the CAD pipeline
  /retry-skipped         retry the steps the last build skipped
  /retry-part <n>        regenerate failed part n
  /retry-parts           regenerate all failed parts
  /code                  print the current project code
  /save <name>           save the project code under a name
  /load <name>           load a saved project
  /projects              list saved projects
  /history [n]           list recent generations
  /pin <id>              pin a history entry so pruning keeps it
  /unpin <id>            unpin a history entry
  /delete <id>           delete a history entry
  /quit                  exit`)

	case "/approve":
		edited := strings.TrimSpace(strings.TrimPrefix(line, "/approve"))
		if err := orch.ApprovePlan(ctx, edited); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/reject":
		if err := orch.RejectPlan(); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/answer":
		raw := strings.TrimSpace(strings.TrimPrefix(line, "/answer"))
		answers := strings.Split(raw, "|")
		for i := range answers {
			answers[i] = strings.TrimSpace(answers[i])
		}
		if err := orch.AnswerClarifications(ctx, answers); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/stop":
		orch.Stop()

	case "/chat":
		text := strings.TrimSpace(strings.TrimPrefix(line, "/chat"))
		if err := orch.Chat(ctx, text); err != nil {
			fmt.Printf("error: %v\n", err)
		}
		fmt.Println()

	case "/retry-skipped":
		if err := orch.RetrySkipped(ctx); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/retry-part":
		if len(fields) < 2 {
			fmt.Println("usage: /retry-part <n>")
			break
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Println("usage: /retry-part <n>")
			break
		}
		if err := orch.RetryFailedPart(ctx, n); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/retry-parts":
		if err := orch.RetryAllFailedParts(ctx); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/code":
		fmt.Println(orch.ProjectCode())

	case "/save":
		if len(fields) < 2 {
			fmt.Println("usage: /save <name>")
			break
		}
		if err := projects.Save(fields[1], orch.ProjectCode()); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/load":
		if len(fields) < 2 {
			fmt.Println("usage: /load <name>")
			break
		}
		code, err := projects.Load(fields[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		orch.SetProjectCode(code)
		fmt.Printf("loaded %s (%d bytes)\n", fields[1], len(code))

	case "/projects":
		names, err := projects.List()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		for _, name := range names {
			fmt.Println(name)
		}

	case "/history":
		limit := 10
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				limit = n
			}
		}
		entries, err := store.List(limit)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		for _, e := range entries {
			status := "ok"
			if !e.Success {
				status = "failed"
			}
			pin := " "
			if e.Pinned {
				pin = "*"
			}
			fmt.Printf("%s %s %s  %-6s  %-11s  conf=%-3d  %s\n",
				e.ID[:8], pin, e.CreatedAt.Format(time.DateTime), status,
				e.GenerationType, e.ConfidenceScore, truncate(e.Prompt, 60))
		}

	case "/pin", "/unpin":
		if len(fields) < 2 {
			fmt.Printf("usage: %s <id>\n", fields[0])
			break
		}
		id, err := resolveHistoryID(store, fields[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		if err := store.SetPinned(id, fields[0] == "/pin"); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/delete":
		if len(fields) < 2 {
			fmt.Println("usage: /delete <id>")
			break
		}
		id, err := resolveHistoryID(store, fields[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		if err := store.Delete(id); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	default:
		fmt.Printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}

// resolveHistoryID expands an id prefix (as printed by /history) into
// the full entry id. Ambiguous or unknown prefixes are errors.
func resolveHistoryID(store *history.Store, prefix string) (string, error) {
	entries, err := store.List(0)
	if err != nil {
		return "", err
	}
	return matchEntryID(entries, prefix)
}

func matchEntryID(entries []history.Entry, prefix string) (string, error) {
	var matches []string
	for _, e := range entries {
		if strings.HasPrefix(e.ID, prefix) {
			matches = append(matches, e.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no history entry matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%d history entries match %q, use more characters", len(matches), prefix)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// consoleListener renders orchestrator state changes as plain console
// output. Models are written to the working directory as STL files.
type consoleListener struct {
	core.NopListener
	out      *os.File
	lastLine string
}

func (l *consoleListener) TranscriptChanged(messages []core.Message) {
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Content == l.lastLine {
		return
	}
	l.lastLine = last.Content
	// Print only the newest line of the newest message; deltas repaint
	// too fast to echo in full.
	lines := strings.Split(last.Content, "\n")
	fmt.Fprintf(l.out, "\r[%s] %s\n", last.Role, lines[len(lines)-1])
}

func (l *consoleListener) PartsChanged(parts []core.PartProgress) {
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "%s=%s ", p.Spec.Name, p.Status)
	}
	fmt.Fprintf(l.out, "parts: %s\n", strings.TrimSpace(b.String()))
}

func (l *consoleListener) PlanTicking(status string, elapsed time.Duration) {
	fmt.Fprintf(l.out, "\r%s (%ds)", status, int(elapsed.Seconds()))
}

func (l *consoleListener) PlanPendingApproval(planText string) {
	fmt.Fprintf(l.out, "\n--- proposed plan ---\n%s\n--- /approve to proceed, /reject to discard ---\n", planText)
}

func (l *consoleListener) ClarificationRequested(questions []string) {
	fmt.Fprintln(l.out, "\nthe backend needs clarification:")
	for i, q := range questions {
		fmt.Fprintf(l.out, "  %d. %s\n", i+1, q)
	}
	fmt.Fprintln(l.out, "answer with /answer a1 | a2 | ...")
}

func (l *consoleListener) ConfidenceChanged(c core.ConfidenceData) {
	fmt.Fprintf(l.out, "confidence: %d (%s)\n", c.Score, c.Level)
}

func (l *consoleListener) ModelReady(stlBase64 string, validated bool) {
	name := fmt.Sprintf("partforge-%d.stl", time.Now().Unix())
	data, err := base64.StdEncoding.DecodeString(stlBase64)
	if err != nil {
		fmt.Fprintf(l.out, "model ready but undecodable: %v\n", err)
		return
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		fmt.Fprintf(l.out, "writing %s: %v\n", name, err)
		return
	}
	tag := "validated"
	if !validated {
		tag = "unvalidated"
	}
	fmt.Fprintf(l.out, "model ready (%s): %s\n", tag, name)
}

func (l *consoleListener) AssemblyImported(parts []core.PartProgress, complete bool) {
	written := 0
	for _, p := range parts {
		if p.StlBase64 == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.StlBase64)
		if err != nil {
			continue
		}
		name := fmt.Sprintf("partforge-%s.stl", sanitize(p.Spec.Name))
		if err := os.WriteFile(name, data, 0o644); err == nil {
			written++
		}
	}
	state := "complete"
	if !complete {
		state = "partial"
	}
	fmt.Fprintf(l.out, "assembly imported (%s): %d component file(s) written\n", state, written)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
