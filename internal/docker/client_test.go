package docker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReadWriteCloser struct {
	*bytes.Buffer
}

func (f fakeReadWriteCloser) Close() error { return nil }

func TestPtyReadWrite(t *testing.T) {
	in := fakeReadWriteCloser{bytes.NewBufferString("hello from pty\r\n")}
	out := &bytes.Buffer{}

	pty := &Pty{
		conn: &dockerHijack{
			Reader: in,
			Conn:   out,
			Closer: in,
		},
	}

	buf := make([]byte, 64)
	n, err := pty.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello from pty\r\n", string(buf[:n]))

	_, err = pty.Write([]byte("echo hi\n"))
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", out.String())

	require.NoError(t, pty.Close())
}

func TestPtySignalUnsupported(t *testing.T) {
	pty := &Pty{conn: &dockerHijack{Reader: bytes.NewReader(nil), Conn: &bytes.Buffer{}, Closer: fakeReadWriteCloser{&bytes.Buffer{}}}}
	err := pty.Signal("SIGWEIRD")
	assert.Error(t, err)
}

func TestPtySignalWritesControlByte(t *testing.T) {
	out := &bytes.Buffer{}
	pty := &Pty{conn: &dockerHijack{Reader: bytes.NewReader(nil), Conn: out, Closer: fakeReadWriteCloser{&bytes.Buffer{}}}}
	require.NoError(t, pty.Signal("SIGINT"))
	assert.Equal(t, []byte{0x03}, out.Bytes())
}
