package redis

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"
)

// pipeline adapts goredis.Pipeliner to Pipeliner.
type pipeline struct {
	pipe goredis.Pipeliner
}

var _ Pipeliner = (*pipeline)(nil)

func (p *pipeline) SendCmd(ctx context.Context, cmd string, args ...interface{}) *goredis.Cmd {
	return p.pipe.Do(ctx, cmdArgs(cmd, "", args)...)
}

func (p *pipeline) SendSubCmd(ctx context.Context, cmd, subCmd string, args ...interface{}) *goredis.Cmd {
	return p.pipe.Do(ctx, cmdArgs(cmd, subCmd, args)...)
}

func (p *pipeline) Len() int {
	return p.pipe.Len()
}

// Exec sends the queued commands. Reply errors stay on their commands;
// only failures that prevented the batch from running are returned.
func (p *pipeline) Exec(ctx context.Context) error {
	cmds, err := p.pipe.Exec(ctx)
	if err == nil || errors.Is(err, goredis.Nil) {
		return nil
	}
	for _, cmd := range cmds {
		if cmd.Err() != nil && !isReplyError(cmd.Err()) {
			return cmd.Err()
		}
	}
	return nil
}

func (p *pipeline) Discard() {
	p.pipe.Discard()
}

func cmdArgs(cmd, subCmd string, args []interface{}) []interface{} {
	out := make([]interface{}, 0, 2+len(args))
	out = append(out, cmd)
	if subCmd != "" {
		out = append(out, subCmd)
	}
	return append(out, args...)
}

// isReplyError reports whether err is an error reply sent by the server.
func isReplyError(err error) bool {
	if errors.Is(err, goredis.Nil) {
		return true
	}
	var re goredis.Error
	return errors.As(err, &re)
}
