package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/rafaelvchaves/respkv/lib/optional"
	"github.com/rafaelvchaves/respkv/resp"
)

// maxExpireMillis is the largest TTL in milliseconds a time.Duration holds.
const maxExpireMillis = math.MaxInt64 / int64(time.Millisecond)

var (
	ErrInvalidRequest  = errors.New("invalid request format")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrWrongArity      = errors.New("wrong number of arguments")
	ErrUnknownArgument = errors.New("unknown argument")
	ErrNotInteger      = errors.New("value is not an integer or out of range")
	ErrWrongType       = errors.New("argument must be a bulk string")
	ErrInvalidPattern  = errors.New("invalid pattern")
)

// Parse validates a request and returns the command it names. The request
// must be an array whose first element is a bulk string holding the
// case-insensitive command name.
func Parse(req resp.Value) (Command, error) {
	array, ok := req.(resp.Array)
	if !ok {
		return nil, fmt.Errorf("%w: expected array, got %T", ErrInvalidRequest, req)
	}
	if len(array) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidRequest)
	}
	first, ok := array[0].(resp.BulkString)
	if !ok {
		return nil, fmt.Errorf("%w: command name must be a bulk string, got %T", ErrInvalidRequest, array[0])
	}
	name := strings.ToLower(string(first))
	args := array[1:]
	switch name {
	case "ping":
		return parsePing(args)
	case "echo":
		if len(args) != 1 {
			return nil, arityError(name)
		}
		return Echo{Message: args[0]}, nil
	case "set":
		return parseSet(args)
	case "get":
		if len(args) != 1 {
			return nil, arityError(name)
		}
		key, err := stringArg(args[0])
		if err != nil {
			return nil, err
		}
		return Get{Key: key}, nil
	case "info":
		return parseInfo(args)
	case "replconf":
		return parseReplConfig(args), nil
	case "psync":
		return parsePSync(args), nil
	case "keys":
		return parseKeys(args)
	}
	return nil, fmt.Errorf("%w '%s'", ErrUnknownCommand, first)
}

func parsePing(args resp.Array) (Command, error) {
	switch len(args) {
	case 0:
		return Ping{}, nil
	case 1:
		return Ping{Message: optional.Some(args[0])}, nil
	}
	return nil, arityError("ping")
}

// parseSet accepts "SET key value" and "SET key value PX milliseconds".
func parseSet(args resp.Array) (Command, error) {
	if len(args) != 2 && len(args) != 4 {
		return nil, arityError("set")
	}
	key, err := stringArg(args[0])
	if err != nil {
		return nil, err
	}
	set := Set{Key: key, Value: args[1]}
	if len(args) == 2 {
		return set, nil
	}
	opt, err := stringArg(args[2])
	if err != nil || !strings.EqualFold(opt, "PX") {
		return nil, fmt.Errorf("%w '%s' for 'set' command", ErrUnknownArgument, describe(args[2]))
	}
	millis, err := integerArg(args[3])
	if err != nil {
		return nil, err
	}
	if millis < 0 || millis > maxExpireMillis {
		return nil, fmt.Errorf("%w: invalid expire time in 'set' command", ErrNotInteger)
	}
	set.TTL = optional.Some(time.Duration(millis) * time.Millisecond)
	return set, nil
}

func parseInfo(args resp.Array) (Command, error) {
	switch len(args) {
	case 0:
		return Info{}, nil
	case 1:
		section, err := stringArg(args[0])
		if err != nil || !strings.EqualFold(section, "replication") {
			return nil, fmt.Errorf("%w '%s' for 'info' command", ErrUnknownArgument, describe(args[0]))
		}
		return Info{Section: optional.Some(strings.ToLower(section))}, nil
	}
	return nil, arityError("info")
}

func parseReplConfig(args resp.Array) Command {
	var result ReplConfig
	for i, arg := range args {
		text := describe(arg)
		if i == 0 {
			result.Key = strings.ToLower(text)
			continue
		}
		result.Values = append(result.Values, text)
	}
	return result
}

func parsePSync(args resp.Array) Command {
	var result PSync
	if len(args) >= 1 {
		if id, err := stringArg(args[0]); err == nil && id != "?" {
			result.ReplicationID = optional.Some(id)
		}
	}
	if len(args) >= 2 {
		if offset, err := integerArg(args[1]); err == nil && offset >= 0 {
			result.ReplicationOffset = optional.Some(offset)
		}
	}
	return result
}

func parseKeys(args resp.Array) (Command, error) {
	if len(args) != 1 {
		return nil, arityError("keys")
	}
	source, err := stringArg(args[0])
	if err != nil {
		return nil, err
	}
	pattern, err := glob.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w '%s': %v", ErrInvalidPattern, source, err)
	}
	return Keys{Pattern: pattern, Source: source}, nil
}

func arityError(name string) error {
	return fmt.Errorf("%w for '%s' command", ErrWrongArity, name)
}

func stringArg(v resp.Value) (string, error) {
	s, ok := v.(resp.BulkString)
	if !ok {
		return "", fmt.Errorf("%w, got %T", ErrWrongType, v)
	}
	return string(s), nil
}

func integerArg(v resp.Value) (int64, error) {
	switch v := v.(type) {
	case resp.Integer:
		return int64(v), nil
	case resp.BulkString:
		i, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		return i, nil
	}
	return 0, ErrNotInteger
}

// describe renders an argument for error messages and loosely-typed options.
func describe(v resp.Value) string {
	switch v := v.(type) {
	case resp.BulkString:
		return string(v)
	case resp.String:
		return string(v)
	case resp.Integer:
		return strconv.FormatInt(int64(v), 10)
	}
	return fmt.Sprintf("%T", v)
}
