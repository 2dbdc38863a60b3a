package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotmemory/pkg/agent"
	"github.com/dotsetgreg/dotmemory/pkg/bus"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

const maxLoadedMessages = 500

func newChatCommand(opts *rootOptions) *cobra.Command {
	var (
		profile   string
		mode      string
		sessionID string
		message   string
		stream    bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with memory-augmented replies",
		Long: strings.TrimSpace(`Start an interactive chat session or send a one-shot message.

Inside the session, /mode <normal|incognito|pause_memory> switches the privacy
mode, /profile <name> switches the memory profile and /memories lists what is
remembered.`),
		Example: strings.Join([]string{
			"  dotmemory chat",
			"  dotmemory chat --profile Work --mode pause_memory",
			"  dotmemory chat --message \"What do I like to eat?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			privacyMode, err := memory.ParsePrivacyMode(mode)
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app) error {
				if err := a.startSweeper(); err != nil {
					return err
				}
				coord, err := a.coordinator()
				if err != nil {
					return err
				}
				cs, err := openChatSession(cmd.Context(), a, coord, opts.owner, sessionID, profile, privacyMode)
				if err != nil {
					return err
				}
				cs.stream = stream
				cs.out = cmd.OutOrStdout()

				if strings.TrimSpace(message) != "" {
					return cs.turn(cmd.Context(), message)
				}
				fmt.Fprintf(cs.out, "%s session %s, profile %s, %s mode (Ctrl+C to exit)\n\n", appName, cs.session.ID, cs.profile.Name, cs.session.PrivacyMode)
				cs.interactive(cmd.Context())
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Profile id or name (default profile when empty)")
	cmd.Flags().StringVar(&mode, "mode", "normal", "Privacy mode: normal, incognito or pause_memory")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume an existing session id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().BoolVar(&stream, "stream", true, "Stream the reply as it is generated")
	return cmd
}

// chatSession is one CLI conversation. Incognito turns live only in the
// in-memory history and are never written to the store.
type chatSession struct {
	a       *app
	coord   *agent.Coordinator
	owner   string
	session memory.Session
	profile memory.Profile
	history []providers.Message
	turns   int
	stream  bool
	out     io.Writer
}

func openChatSession(ctx context.Context, a *app, coord *agent.Coordinator, owner, sessionID, profileRef string, mode memory.PrivacyMode) (*chatSession, error) {
	cs := &chatSession{a: a, coord: coord, owner: owner, out: os.Stdout}

	if sessionID != "" {
		sess, err := a.store.GetSession(ctx, sessionID)
		if err != nil || sess.OwnerID != owner {
			return nil, fmt.Errorf("session %q not found", sessionID)
		}
		cs.session = sess
		if sess.ProfileID != "" {
			p, err := a.profiles.Get(ctx, owner, sess.ProfileID)
			if err != nil {
				return nil, err
			}
			cs.profile = p
		}
		msgs, err := a.store.ListMessages(ctx, sess.ID, maxLoadedMessages)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			cs.history = append(cs.history, providers.Message{Role: m.Role, Content: m.Content})
			if m.Role == memory.RoleUser {
				cs.turns++
			}
		}
		return cs, nil
	}

	p, err := a.profiles.Resolve(ctx, owner, profileRef)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", profileRef, err)
	}
	sess, err := a.store.CreateSession(ctx, memory.Session{OwnerID: owner, ProfileID: p.ID, PrivacyMode: mode})
	if err != nil {
		return nil, err
	}
	cs.session = sess
	cs.profile = p
	return cs, nil
}

func (cs *chatSession) interactive(ctx context.Context) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".dotmemory_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(cs.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(cs.out, "Falling back to simple input mode...")
		cs.simpleInteractive(ctx)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(cs.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(cs.out, "Error reading input: %v\n", err)
			continue
		}
		if !cs.handleLine(ctx, line) {
			return
		}
	}
}

func (cs *chatSession) simpleInteractive(ctx context.Context) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(cs.out, "You: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(cs.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(cs.out, "Error reading input: %v\n", err)
			continue
		}
		if !cs.handleLine(ctx, line) {
			return
		}
	}
}

// handleLine runs one line of input and reports whether to keep reading.
func (cs *chatSession) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch {
	case input == "":
		return true
	case input == "exit" || input == "quit":
		fmt.Fprintln(cs.out, "Goodbye!")
		return false
	case strings.HasPrefix(input, "/"):
		if err := cs.command(ctx, input); err != nil {
			fmt.Fprintf(cs.out, "Error: %v\n", err)
		}
		return true
	}
	if err := cs.turn(ctx, input); err != nil {
		fmt.Fprintf(cs.out, "Error: %v\n", err)
	}
	return true
}

func (cs *chatSession) command(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	arg := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
	switch fields[0] {
	case "/mode":
		mode, err := memory.ParsePrivacyMode(arg)
		if err != nil {
			return err
		}
		cs.session.PrivacyMode = mode
		if err := cs.a.store.UpdateSession(ctx, cs.session); err != nil {
			return err
		}
		fmt.Fprintf(cs.out, "Privacy mode: %s\n", mode)
	case "/profile":
		p, err := cs.a.profiles.Resolve(ctx, cs.owner, arg)
		if err != nil {
			return fmt.Errorf("profile %q: %w", arg, err)
		}
		cs.session.ProfileID = p.ID
		if err := cs.a.store.UpdateSession(ctx, cs.session); err != nil {
			return err
		}
		cs.profile = p
		fmt.Fprintf(cs.out, "Profile: %s\n", p.Name)
	case "/memories":
		if cs.session.PrivacyMode == memory.PrivacyIncognito {
			fmt.Fprintln(cs.out, "Memories are not available in incognito mode.")
			return nil
		}
		n := 10
		if arg != "" {
			if v, err := strconv.Atoi(arg); err == nil && v > 0 {
				n = v
			}
		}
		items, err := cs.a.store.ListMemories(ctx, cs.session.ProfileID, n)
		if err != nil {
			return err
		}
		for _, m := range items {
			fmt.Fprintf(cs.out, "  [%s %.2f] %s\n", m.Type, m.Importance, m.Content)
		}
		if len(items) == 0 {
			fmt.Fprintln(cs.out, "No memories yet.")
		}
	default:
		fmt.Fprintln(cs.out, "Commands: /mode <normal|incognito|pause_memory>, /profile <name>, /memories [n], exit")
	}
	return nil
}

func (cs *chatSession) turn(ctx context.Context, input string) error {
	cs.turns++
	req := agent.TurnRequest{
		SessionID:        cs.session.ID,
		OwnerID:          cs.owner,
		ProfileID:        cs.session.ProfileID,
		SessionProfileID: cs.session.ProfileID,
		Mode:             cs.session.PrivacyMode,
		UserMessage:      input,
		History:          cs.history,
		TurnIndex:        cs.turns,
		Personality:      cs.profile.Personality,
	}

	var (
		res *agent.TurnResult
		err error
	)
	fmt.Fprintf(cs.out, "\n%s: ", appName)
	if cs.stream {
		res, err = cs.streamTurn(ctx, req)
	} else {
		res, err = cs.coord.HandleTurn(ctx, req)
		if res != nil {
			fmt.Fprint(cs.out, res.Response)
		}
	}
	fmt.Fprint(cs.out, "\n\n")
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(cs.out, "  ! %s\n", w)
	}
	if n := len(res.NewMemories); n > 0 {
		fmt.Fprintf(cs.out, "  (remembered %d item(s))\n", n)
	}

	cs.history = append(cs.history,
		providers.Message{Role: providers.RoleUser, Content: input},
		providers.Message{Role: providers.RoleAssistant, Content: res.Response},
	)
	return cs.persist(ctx, input, res)
}

func (cs *chatSession) streamTurn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error) {
	sb := bus.NewStreamBus(0)
	defer sb.Close()

	type outcome struct {
		res *agent.TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := cs.coord.HandleTurnStream(ctx, req, sb)
		done <- outcome{res: res, err: err}
	}()

	for {
		c, ok := sb.Subscribe(ctx)
		if !ok || c.Done {
			o := <-done
			return o.res, o.err
		}
		if c.Replace {
			fmt.Fprint(cs.out, "\n\n(revised) ")
		}
		fmt.Fprint(cs.out, c.Delta)
	}
}

func (cs *chatSession) persist(ctx context.Context, input string, res *agent.TurnResult) error {
	if cs.session.PrivacyMode == memory.PrivacyIncognito || res.Error == agent.ErrBlockedByPrivacy {
		return nil
	}
	if _, err := cs.a.store.AppendMessage(ctx, memory.Message{
		SessionID: cs.session.ID,
		Role:      memory.RoleUser,
		Content:   input,
	}); err != nil {
		return err
	}
	meta := map[string]string{
		"tokens":     strconv.Itoa(res.TokensUsed),
		"elapsed_ms": strconv.FormatInt(res.Elapsed.Milliseconds(), 10),
	}
	if res.Error != "" {
		meta["error"] = string(res.Error)
	}
	_, err := cs.a.store.AppendMessage(ctx, memory.Message{
		SessionID: cs.session.ID,
		Role:      memory.RoleAssistant,
		Content:   res.Response,
		Agent:     agent.AgentResponseGenerator,
		Metadata:  meta,
	})
	return err
}
