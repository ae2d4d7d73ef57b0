package usecase

import "strings"

// Command is a verb the bot understands without the classifier.
type Command int

const (
	CommandUnknown Command = iota
	CommandHelp
	CommandFeedback
)

// helpIntent is the backend intent behind the help command.
const helpIntent = "get-help"

// parseCommand reads the verb from the first word of text.
func parseCommand(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return CommandUnknown
	}
	switch strings.ToLower(strings.TrimSpace(fields[0])) {
	case "help":
		return CommandHelp
	case "feedback":
		return CommandFeedback
	}
	return CommandUnknown
}

// isSignOut reports whether text asks to sign out.
func isSignOut(text string) bool {
	switch strings.ToLower(text) {
	case "signoff", "logoff", "signout", "logout":
		return true
	}
	return false
}
