package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/spf13/pflag"

	"outlineserver/internal/auth"
	"outlineserver/internal/server"
)

func execute(t *testing.T, args ...string) (string, error) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestToken(t *testing.T) {
	out, err := execute(t, "token", "--secret", "s3cret", "alice")
	assert.Equal(t, nil, err)
	subject, err := auth.New("s3cret").Verify(strings.TrimSpace(out))
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice", subject)
}

func TestTokenNeedsSecret(t *testing.T) {
	t.Setenv("OUTLINE_AUTH_SECRET", "")
	_, err := execute(t, "token", "alice")
	assert.NotEqual(t, nil, err)
}

func TestParseParam(t *testing.T) {
	param, err := parseParam(`{"filename":"a.leo"}`)
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"filename":"a.leo"}`, string(param))

	_, err = parseParam(`[1,2]`)
	assert.NotEqual(t, nil, err)
	_, err = parseParam(`nope`)
	assert.NotEqual(t, nil, err)
}

func TestResolveConfig(t *testing.T) {
	t.Setenv("OUTLINE_ADDR", ":7000")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OUTLINE_AUTH_SECRET", "")

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	config := server.DefaultConfig()
	flags.StringVar(&config.Addr, "addr", config.Addr, "")
	flags.StringVar(&config.DatabaseURL, "db", config.DatabaseURL, "")
	flags.StringVar(&config.RedisAddr, "redis", "", "")
	flags.StringVar(&config.AuthSecret, "secret", "", "")
	assert.Equal(t, nil, flags.Parse([]string{"--addr", ":8000"}))

	resolved := resolveConfig(flags, config)
	assert.Equal(t, ":8000", resolved.Addr)
	assert.Equal(t, "redis:6379", resolved.RedisAddr)
	assert.Equal(t, server.DefaultDatabasePath(), resolved.DatabaseURL)
}

func TestCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := server.New(ctx, server.Config{IdleInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	go s.Loop(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
		s.Close()
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	out, err := execute(t, "call", "--url", url, "--timeout", "5s", "!get_version")
	assert.Equal(t, nil, err)
	var reply map[string]any
	assert.Equal(t, nil, json.Unmarshal([]byte(out), &reply))
	assert.Equal(t, server.Version, reply["version"])

	_, err = execute(t, "call", "--url", url, "--timeout", "5s", "nonexistent-thing")
	assert.NotEqual(t, nil, err)
	assert.Equal(t, true, strings.Contains(err.Error(), "not found"))
}
