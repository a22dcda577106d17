//go:build !pyroscope
// +build !pyroscope

package profiling

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/config"
)

func TestStartDisabled(t *testing.T) {
	stop, err := Start(&config.Profiling{Enable: true, ServerAddress: "http://127.0.0.1:4040"}, logging.MustGetLogger("profiling"))
	require.NoError(t, err)
	require.NoError(t, stop())
}
