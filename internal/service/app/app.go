package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pq_chat/internal/model"
	"pq_chat/internal/service/node"
	"pq_chat/internal/service/syncer"
	"pq_chat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	UnreachableNotice = "[local] partner unreachable, message kept in local log"

	cmdHistory = ".history"
	cmdQuit    = ".quit"
	cmdExit    = ".exit"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		node *node.Node
		name string
	}
)

func NewApp(n *node.Node, name string) *App {
	return &App{
		app:  tview.NewApplication(),
		node: n,
		name: name,
	}
}

// Run blocks until the user quits.
func (c *App) Run(ctx context.Context) error {
	c.build()
	go c.listen()

	c.print(systemLine(fmt.Sprintf("[System] Joined chat '%s' as %s (%s).", c.node.ChatCode(), c.name, c.node.Role())))
	if c.node.Role() == node.RoleServer {
		c.print(systemLine("[System] Waiting for your partner to join..."))
	}

	return c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run()
}

func (c *App) Stop() {
	c.app.Stop()
}

func (c *App) build() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat %s ", c.node.ChatCode()))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message (.history, .quit) ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		c.input.SetText("")
		if text == "" {
			return
		}

		switch text {
		case cmdQuit, cmdExit:
			c.app.Stop()
		case cmdHistory:
			go c.showHistory()
		default:
			go c.send(text)
		}
	})
}

func (c *App) layout() tview.Primitive {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)
}

func (c *App) listen() {
	for m := range c.node.Messages() {
		c.print(renderMessage(m))
	}
}

func (c *App) send(text string) {
	res, err := c.node.Send(context.Background(), text)
	if err != nil {
		log.Error("send message failed", zap.Error(err))
		c.print(systemLine(sendError(err)))
		return
	}

	c.print(renderMessage(model.ChatMessage{
		ID:     res.Hash,
		Text:   text,
		Origin: model.OriginLocal,
	}))
	if res.Delivered == 0 {
		c.print(systemLine(UnreachableNotice))
	}
}

func (c *App) showHistory() {
	lines, err := c.node.History()
	if err != nil {
		log.Error("read history failed", zap.Error(err))
		c.print(systemLine("[System] Could not read history: " + err.Error()))
		return
	}
	for _, l := range lines {
		c.print(tview.Escape(l))
	}
}

func (c *App) print(line string) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintln(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

func sendError(err error) string {
	if errors.Is(err, syncer.ErrNoPeerKey) {
		return "[System] No partner yet, wait for them to join before sending."
	}
	return "[System] Message not sent: " + err.Error()
}

func systemLine(text string) string {
	return fmt.Sprintf("[red]%s[-]", tview.Escape(text))
}

func renderMessage(m model.ChatMessage) string {
	switch {
	case m.Origin == model.OriginSystem:
		return systemLine(m.Text)
	case m.Origin == model.OriginLocal:
		return fmt.Sprintf("[yellow]You:[-] %s", tview.Escape(m.Text))
	case m.Sender == "":
		return fmt.Sprintf("[green]Partner:[-] %s", tview.Escape(m.Text))
	default:
		return fmt.Sprintf("[green]%s:[-] %s", tview.Escape(m.Sender), tview.Escape(m.Text))
	}
}
