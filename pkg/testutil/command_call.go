package testutil

import "time"

// CommandCall records a command received by the mock gateway.
// Numeric args decode as float64.
type CommandCall struct {
	Timestamp time.Time
	Command   string
	Serial    string
	Args      map[string]interface{}
}

// FilterCommands returns the calls of command
func FilterCommands(calls []CommandCall, command string) []CommandCall {
	var filtered []CommandCall
	for _, call := range calls {
		if call.Command == command {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FindCommandWithArg returns the latest call of command whose arg key equals value
func FindCommandWithArg(calls []CommandCall, command, key string, value interface{}) *CommandCall {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.Command != command {
			continue
		}
		if v, ok := call.Args[key]; ok && v == value {
			return &call
		}
	}
	return nil
}

// FindCommandForSerial returns the latest call of command addressed to serial
func FindCommandForSerial(calls []CommandCall, command, serial string) *CommandCall {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Command == command && calls[i].Serial == serial {
			call := calls[i]
			return &call
		}
	}
	return nil
}
