package redistest

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKillWhileReplying(t *testing.T) {
	s := Start(t)
	nc, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer nc.Close()

	// keep the handler busy flushing replies while Kill runs
	go func() {
		req := strings.Repeat("*1\r\n$4\r\nPING\r\n", 256)
		for {
			if _, err := nc.Write([]byte(req)); err != nil {
				return
			}
		}
	}()

	rd := bufio.NewReader(nc)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+PONG\r\n", line)

	s.Kill()
	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, err := rd.ReadString('\n'); err != nil {
			var ne net.Error
			if errors.As(err, &ne) {
				require.False(t, ne.Timeout(), "connection was not closed by Kill")
			}
			break
		}
	}

	s.Restart(t)
	nc2, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer nc2.Close()
	_, err = nc2.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)
	line, err = bufio.NewReader(nc2).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+PONG\r\n", line)
}
