package internal

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"

	"chatrelay/tools"
)

const (
	// QuitCommand leaves the chat without affecting anyone else.
	QuitCommand = "/exit"

	namePrompt   = "Please enter a UserName:"
	startPrompt  = "Please start typing messages."
	exitWarning  = "Sending EXIT closes the server for every user."
	leaveMessage = "Goodbye!"
)

// PromptName 反复询问用户名，直到输入合法的用户名
// 参数 in 是标准输入的扫描器，p 用于显示提示和每次被拒绝的原因
// 返回值：合法的用户名；输入结束时返回 io.EOF
func PromptName(in *bufio.Scanner, p Presenter) (string, error) {
	for {
		p.ShowNotice(namePrompt)
		if !in.Scan() {
			if err := in.Err(); err != nil {
				return "", errors.Wrap(err, "read user name")
			}
			return "", io.EOF
		}

		name := strings.TrimSpace(in.Text())
		if valid, reason := tools.ValidateName(name); !valid {
			p.ShowNotice("Invalid user name: " + reason)
			continue
		}
		return name, nil
	}
}

// RunInput sends every line read from in as a message of the client's user.
// Empty lines are skipped, QuitCommand closes the client. It returns when in is exhausted
// or the connection is gone.
func (c *Client) RunInput(in *bufio.Scanner) error {
	c.presenter.ShowNotice(startPrompt)
	for in.Scan() {
		text := in.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		if text == QuitCommand {
			c.presenter.ShowNotice(leaveMessage)
			return c.Close()
		}

		if tools.IsExitCommand(tools.FormatMessage(c.Name(), text)) {
			c.presenter.ShowNotice(exitWarning)
		}
		if err := c.Say(text); err != nil {
			if errors.Is(err, ErrNotConnected) {
				return nil
			}
			return err
		}
	}
	return errors.Wrap(in.Err(), "read input")
}
