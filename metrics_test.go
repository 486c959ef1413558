package schild_test

import (
	"context"
	"testing"

	"github.com/goliatone/go-schild"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "schild_auth_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out[labels["event"]+"/"+labels["alias"]] = m.GetCounter().GetValue()
		}
	}
	return out
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := schild.NewPrometheusSink(reg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Record(ctx, schild.Event{Name: schild.EventLogin, Alias: schild.AliasSession}))
	require.NoError(t, sink.Record(ctx, schild.Event{Name: schild.EventLogin, Alias: schild.AliasSession}))
	require.NoError(t, sink.Record(ctx, schild.Event{Name: schild.EventFailedLogin, Alias: schild.AliasTokens}))

	// a second sink on the same registry shares the counter
	again, err := schild.NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, again.Record(ctx, schild.Event{Name: schild.EventLogin, Alias: schild.AliasSession}))

	values := counterValues(t, reg)
	assert.Equal(t, 3.0, values["login/session"])
	assert.Equal(t, 1.0, values["failedLogin/tokens"])
}

func TestPrometheusSink_CountsServiceEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := schild.NewPrometheusSink(reg)
	require.NoError(t, err)

	e := newEnv(t, testConfig())
	e.createUser(t, "ada", "ada@example.com")

	e2 := attachEnv(t, e.db, testConfig(), schild.WithEventSink(sink))
	sa := e2.sessionAuth(t, newFakeRequest(), newMemSession())
	res, err := sa.Attempt(context.Background(), credentials("ada@example.com"))
	require.NoError(t, err)
	require.True(t, res.Success, res.Reason)

	other := e2.sessionAuth(t, newFakeRequest(), newMemSession())
	res, err = other.Attempt(context.Background(), map[string]string{"email": "ada@example.com", "password": "nope"})
	require.NoError(t, err)
	require.False(t, res.Success)

	values := counterValues(t, reg)
	assert.Equal(t, 1.0, values["failedLogin/session"])
	assert.Greater(t, values["login/session"], 0.0)
}
