package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/pianobridge/pkg/audio"
)

const consoleHelp = `commands:
  token <bot token>   log in and list voice channels
  channels            list voice channels
  select <n|label>    choose the channel used by start
  start [label]       start relaying to the selected channel
  toggle              switch between the default and the built-in input
  stop                leave the voice channel
  status              show the session state
  quit                shut down`

// errNoSelection is returned by start without a channel.
var errNoSelection = errors.New("no channel selected; use: select <n|label>")

// runConsole executes operator commands read line by line from the console
// input until the operator quits or ctx ends. End of input does not quit.
func (a *App) runConsole(ctx context.Context) error {
	lines := make(chan string)
	go scanLines(ctx, a.in, lines)

	fmt.Fprintln(a.out, `type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				slog.Debug("app: console input closed")
				lines = nil
				continue
			}
			if err := a.Exec(ctx, line); errors.Is(err, errQuit) {
				return err
			}
		}
	}
}

func scanLines(ctx context.Context, r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

// Exec runs one console command and prints its outcome. Errors are printed
// and returned; "quit" returns errQuit.
func (a *App) Exec(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch strings.ToLower(cmd) {
	case "":
		return nil
	case "help", "?":
		fmt.Fprintln(a.out, consoleHelp)
	case "token":
		err = a.cmdToken(ctx, arg)
	case "channels":
		a.cmdChannels()
	case "select":
		err = a.cmdSelect(arg)
	case "start":
		err = a.cmdStart(ctx, arg)
	case "toggle":
		if err = a.ctrl.Toggle(ctx); err == nil {
			id, _ := a.ctrl.InputID()
			fmt.Fprintf(a.out, "input: %s\n", describeInput(id))
		}
	case "stop":
		if err = a.ctrl.Stop(ctx); err == nil {
			fmt.Fprintln(a.out, "stopped")
		}
	case "status":
		a.cmdStatus()
	case "quit", "exit":
		fmt.Fprintln(a.out, "bye")
		return errQuit
	default:
		err = fmt.Errorf("unknown command %q; type \"help\"", cmd)
	}
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
	}
	return err
}

func (a *App) cmdToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("usage: token <bot token>")
	}
	if err := a.ctrl.Connect(ctx, token); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "connected; %d voice channels\n", len(a.ctrl.Labels()))
	return nil
}

func (a *App) cmdChannels() {
	labels := a.ctrl.Labels()
	if len(labels) == 0 {
		fmt.Fprintln(a.out, "no voice channels (not connected?)")
		return
	}
	sel := a.Selected()
	for i, l := range labels {
		mark := " "
		if l == sel {
			mark = "*"
		}
		fmt.Fprintf(a.out, "%s %2d  %s\n", mark, i+1, l)
	}
}

// cmdSelect accepts a 1-based index into the channel list or a label.
func (a *App) cmdSelect(arg string) error {
	if arg == "" {
		return errors.New("usage: select <n|label>")
	}
	labels := a.ctrl.Labels()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(labels) {
			return fmt.Errorf("channel %d out of range 1..%d", n, len(labels))
		}
		arg = labels[n-1]
	} else if !slices.Contains(labels, arg) {
		return fmt.Errorf("unknown channel %q", arg)
	}
	a.setSelected(arg)
	fmt.Fprintf(a.out, "selected %s\n", arg)
	return nil
}

func (a *App) cmdStart(ctx context.Context, label string) error {
	if label != "" {
		a.setSelected(label)
	}
	label = a.Selected()
	if label == "" {
		return errNoSelection
	}
	if err := a.ctrl.Start(ctx, label); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "relaying %s\n", label)
	return nil
}

func (a *App) cmdStatus() {
	fmt.Fprintf(a.out, "session: %s\nstate:   %s\n", a.ctrl.SessionID(), a.ctrl.State().Kind())
	if sel := a.Selected(); sel != "" {
		fmt.Fprintf(a.out, "channel: %s\n", sel)
	}
	if id, ok := a.ctrl.InputID(); ok {
		fmt.Fprintf(a.out, "input:   %s\n", describeInput(id))
	}
	if last, ok := a.feed.Last(); ok {
		fmt.Fprintf(a.out, "last:    %s\n", last.Message)
	}
}

// Selected returns the channel label start uses.
func (a *App) Selected() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected
}

func (a *App) setSelected(label string) {
	a.mu.Lock()
	a.selected = label
	a.mu.Unlock()
}

func describeInput(id int) string {
	if id == audio.DeviceDefault {
		return "system default"
	}
	return fmt.Sprintf("device %d", id)
}
