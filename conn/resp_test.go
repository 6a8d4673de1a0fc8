package conn

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	require.NoError(t, writeCommand(w, []string{"CLUSTER", "NODES"}))
	require.Equal(t, "*2\r\n$7\r\nCLUSTER\r\n$5\r\nNODES\r\n", buf.String())
}

func TestWriteCommandEmptyArg(t *testing.T) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	require.NoError(t, writeCommand(w, []string{"SET", "k", ""}))
	require.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$0\r\n\r\n", buf.String())
}

func readFrom(t *testing.T, payload string) (interface{}, error) {
	t.Helper()
	return readReply(bufio.NewReader(strings.NewReader(payload)))
}

func TestReadReplySimpleString(t *testing.T) {
	res, err := readFrom(t, "+OK\r\n")
	require.NoError(t, err)
	require.Equal(t, "OK", res)
}

func TestReadReplyError(t *testing.T) {
	_, err := readFrom(t, "-ERR something went wrong\r\n")
	require.Error(t, err)
	se, ok := err.(serverError)
	require.True(t, ok)
	require.Equal(t, "ERR something went wrong", se.Error())
}

func TestReadReplyInteger(t *testing.T) {
	res, err := readFrom(t, ":42\r\n")
	require.NoError(t, err)
	require.Equal(t, int64(42), res)
}

func TestReadReplyBulkString(t *testing.T) {
	res, err := readFrom(t, "$3\r\nfoo\r\n")
	require.NoError(t, err)
	require.Equal(t, "foo", res)
}

func TestReadReplyBulkStringWithCRLF(t *testing.T) {
	res, err := readFrom(t, "$10\r\nab\r\ncd\r\nef\r\n")
	require.NoError(t, err)
	require.Equal(t, "ab\r\ncd\r\nef", res)
}

func TestReadReplyNilBulk(t *testing.T) {
	res, err := readFrom(t, "$-1\r\n")
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestReadReplyArray(t *testing.T) {
	res, err := readFrom(t, "*3\r\n:1\r\n$1\r\na\r\n+OK\r\n")
	require.NoError(t, err)
	require.Equal(t, []interface{}{int64(1), "a", "OK"}, res)
}

func TestReadReplyNilArray(t *testing.T) {
	res, err := readFrom(t, "*-1\r\n")
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestReadReplyMalformed(t *testing.T) {
	for _, payload := range []string{"", "garbage\r\n", "+OK\n", ":notanumber\r\n", "$3\r\nfo"} {
		_, err := readFrom(t, payload)
		require.Error(t, err, "payload %q", payload)
	}
}
