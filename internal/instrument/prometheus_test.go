//go:build !noprometheus
// +build !noprometheus

package instrument

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/tunnel"
)

func TestObserveState(t *testing.T) {
	require := require.New(t)

	attempts := testutil.ToFloat64(connectAttempts)
	errs := testutil.ToFloat64(tunnelErrors.WithLabelValues("NoAccountStored"))
	connecting := testutil.ToFloat64(stateTransitions.WithLabelValues("Connecting"))

	ObserveState(&tunnel.ConnectingState{})
	require.Equal(attempts+1, testutil.ToFloat64(connectAttempts))
	require.Equal(connecting+1, testutil.ToFloat64(stateTransitions.WithLabelValues("Connecting")))
	require.Equal(1.0, testutil.ToFloat64(currentState.WithLabelValues("Connecting")))

	at := time.Unix(1700000000, 0)
	ObserveState(&tunnel.ConnectedState{Connection: tunnel.ConnectionData{ConnectedAt: at}})
	require.Equal(float64(at.Unix()), testutil.ToFloat64(connectedSince))
	require.Equal(0.0, testutil.ToFloat64(currentState.WithLabelValues("Connecting")))
	require.Equal(1.0, testutil.ToFloat64(currentState.WithLabelValues("Connected")))

	ObserveState(&tunnel.ErrorState{Reason: tunnel.ErrorStateReason{Kind: tunnel.ErrorNoAccountStored}})
	require.Equal(errs+1, testutil.ToFloat64(tunnelErrors.WithLabelValues("NoAccountStored")))
	require.Zero(testutil.ToFloat64(connectedSince))
	require.Equal(6, testutil.CollectAndCount(currentState))
}

func TestMetricsEndpoint(t *testing.T) {
	require := require.New(t)

	srv, err := Start("127.0.0.1:0", logging.MustGetLogger("instrument"))
	require.NoError(err)
	defer srv.Shutdown(context.Background())

	ObserveState(&tunnel.OfflineState{})

	resp, err := http.Get(fmt.Sprintf("http://%v/metrics", srv.Addr()))
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.Contains(string(body), `vpnd_tunnel_state{state="Offline"} 1`)
}
