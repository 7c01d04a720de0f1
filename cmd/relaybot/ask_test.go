package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/relaybot/pkg/upstream"
	"github.com/go-go-golems/relaybot/pkg/upstream/upstreamtest"
)

type scriptedTransport struct {
	sess *upstreamtest.Session
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) Open(context.Context, string) (upstream.Session, error) {
	return s.sess, nil
}

func (s *scriptedTransport) Resume(context.Context, upstream.ResumeState) (upstream.Session, error) {
	return s.sess, nil
}

func scriptedRegistry(steps ...upstreamtest.Step) (*upstream.Registry, *upstreamtest.Session) {
	sess := upstreamtest.NewSession("conv|0|cli", upstreamtest.NewStream(steps...))
	r := upstream.NewRegistry()
	r.Register("bing", &scriptedTransport{sess: sess})
	return r, sess
}

func TestAskRendersFinalAnswer(t *testing.T) {
	r, sess := scriptedRegistry(
		upstreamtest.Partial("Hel"),
		upstreamtest.Final(upstreamtest.Success("Hello **there**", 1, 20)),
	)
	var out bytes.Buffer
	err := ask(context.Background(), r, &askOptions{backend: "bing", style: "precise"}, "hi", &out)
	require.NoError(t, err)
	require.Equal(t, "Hello **there**\n", out.String())
	require.Equal(t, []string{"hi"}, sess.Asked())
	require.Equal(t, 1, sess.Closes())
}

func TestAskStreamsPartials(t *testing.T) {
	r, _ := scriptedRegistry(
		upstreamtest.Partial("Hel"),
		upstreamtest.Partial("Hello"),
		upstreamtest.Final(upstreamtest.Success("Hello world", 1, 20)),
	)
	var out bytes.Buffer
	err := ask(context.Background(), r, &askOptions{backend: "bing", stream: true}, "hi", &out)
	require.NoError(t, err)
	require.Equal(t, "Hello world\n", out.String())
}

func TestAskUnknownBackend(t *testing.T) {
	r, _ := scriptedRegistry()
	err := ask(context.Background(), r, &askOptions{backend: "chatgpt"}, "hi", &bytes.Buffer{})
	require.Error(t, err)
	require.Contains(t, err.Error(), `backend "chatgpt" is not configured`)
}

func TestAskReportsUpstreamError(t *testing.T) {
	r, _ := scriptedRegistry(upstreamtest.Final(&upstream.Payload{Status: upstream.StatusError, Error: "quota"}))
	err := ask(context.Background(), r, &askOptions{backend: "bing"}, "hi", &bytes.Buffer{})
	require.EqualError(t, err, "error: quota")
}

func TestReadSecretFromPipe(t *testing.T) {
	var prompt bytes.Buffer
	token, err := readSecret(strings.NewReader("  123:abc \n"), &prompt, "token: ")
	require.NoError(t, err)
	require.Equal(t, "123:abc", token)
	require.Empty(t, prompt.String())
}
