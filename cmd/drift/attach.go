package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/driftsh/drift/internal/wsproto"
)

// detachKey ends an attach without killing the session (Ctrl-]).
const detachKey = 0x1d

// runAttach puts the local terminal in raw mode and bridges it onto
// the session's WebSocket stream.
func runAttach(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	preview, _ := cmd.Flags().GetBool("preview")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	wsURL := fmt.Sprintf("%s/ws/terminal?sessionId=%s&preview=%t",
		managerURL(cmd), url.QueryEscape(sessionID), preview)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(16 << 20)

	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return fmt.Errorf("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(stdin, oldState)

	sendResize := func() {
		cols, rows, err := term.GetSize(stdin)
		if err != nil {
			return
		}
		frame, _ := json.Marshal(wsproto.Resize{
			Type: wsproto.TypeResize, SessionID: sessionID, Cols: cols, Rows: rows,
		})
		conn.Write(ctx, websocket.MessageText, frame)
	}
	sendResize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendResize()
		}
	}()

	// Keyboard → input frames. Ctrl-] detaches.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				stop()
				return
			}
			chunk := buf[:n]
			for _, b := range chunk {
				if b == detachKey {
					stop()
					return
				}
			}
			frame, err := json.Marshal(wsproto.EncodeInput(sessionID, chunk))
			if err != nil {
				continue
			}
			if conn.Write(ctx, websocket.MessageText, frame) != nil {
				stop()
				return
			}
		}
	}()

	// Stream → stdout.
	var readErr error
	for {
		var data []byte
		_, data, readErr = conn.Read(ctx)
		if readErr != nil {
			break
		}
		var env wsproto.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != wsproto.TypeData {
			continue
		}
		var d wsproto.Data
		if json.Unmarshal(data, &d) != nil {
			continue
		}
		raw, err := wsproto.DecodePayload(d.Data)
		if err != nil {
			continue
		}
		os.Stdout.Write(raw)
	}

	term.Restore(stdin, oldState)
	fmt.Println()

	switch websocket.CloseStatus(readErr) {
	case wsproto.CodeSessionGone:
		fmt.Println("session ended")
	case wsproto.CodeSessionNotFound:
		fmt.Println("session not found")
	default:
		fmt.Println("detached")
	}
	return nil
}
