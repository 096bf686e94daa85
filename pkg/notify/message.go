package notify

import (
	"fmt"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
)

// Slack rejects section text over 3000 characters; stay under with room
// for the truncation marker.
const maxBlockTextLength = 2900

// TaskFailedInput carries the details shown in a failure notification.
type TaskFailedInput struct {
	TaskID     string
	Title      string
	Role       string
	InstanceID string
	GroupID    string
	Error      string
	Cascaded   int
}

// GroupFinishedInput carries the details shown when a task group closes.
type GroupFinishedInput struct {
	GroupID string
	Goal    string
	TaskID  string
}

// BuildTaskFailedMessage renders the Block Kit payload for a failed task.
func BuildTaskFailedMessage(input TaskFailedInput, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(":x: *Task failed: %s*\n`%s` assigned to %s", input.Title, input.TaskID, input.Role)
	if input.InstanceID != "" {
		text += fmt.Sprintf(", run by `%s`", input.InstanceID)
	}
	if input.Cascaded > 0 {
		text += fmt.Sprintf("\n%d dependent task(s) failed with it", input.Cascaded)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil),
	}

	if input.Error != "" {
		errText := truncateForSlack(fmt.Sprintf("```%s```", input.Error))
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, errText, false, false),
			nil, nil))
	}

	if dashboardURL != "" && input.TaskID != "" {
		blocks = append(blocks, actionBlock("view_task", input.TaskID, "View Task",
			fmt.Sprintf("%s/tasks/%s", dashboardURL, input.TaskID)))
	}

	return blocks
}

// BuildGroupFinishedMessage renders the Block Kit payload announcing that
// every task in a group reached a terminal state.
func BuildGroupFinishedMessage(input GroupFinishedInput, dashboardURL string) []goslack.Block {
	goal := input.Goal
	if goal == "" {
		goal = input.GroupID
	}

	text := fmt.Sprintf(":tada: *Goal finished: %s*", truncateForSlack(goal))
	if input.TaskID != "" {
		text += fmt.Sprintf("\nClosed by task `%s`", input.TaskID)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil),
	}

	if dashboardURL != "" && input.GroupID != "" {
		blocks = append(blocks, actionBlock("view_group", input.GroupID, "View Goal",
			fmt.Sprintf("%s/groups/%s", dashboardURL, input.GroupID)))
	}

	return blocks
}

func actionBlock(actionID, value, label, url string) *goslack.ActionBlock {
	btn := goslack.NewButtonBlockElement(actionID, value,
		goslack.NewTextBlockObject(goslack.PlainTextType, label, false, false))
	btn.URL = url
	return goslack.NewActionBlock("", btn)
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	// Never cut in the middle of a multi-byte rune.
	cut := maxBlockTextLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n_(truncated, see dashboard)_"
}
