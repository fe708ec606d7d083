package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
)

func TestAdapterRepublishesCallbacks(t *testing.T) {
	engine := events.NewEngine(zerolog.Nop())
	defer engine.Stop()

	contracts := make(chan *domain.Contract, 1)
	engine.Subscribe(events.ContractUpdate, func(e *events.Event) {
		if c, ok := e.Data.(*domain.Contract); ok {
			contracts <- c
		}
	})
	ticks := make(chan *domain.Tick, 1)
	engine.Subscribe(events.TickUpdate, func(e *events.Event) {
		if tk, ok := e.Data.(*domain.Tick); ok {
			ticks <- tk
		}
	})

	sim := NewSim(SimConfig{AccountID: "ACC001"}, zerolog.Nop())
	NewAdapter(sim, engine, zerolog.Nop())
	require.True(t, sim.Connect())

	sim.AddContract(&domain.Contract{Symbol: "SHFE.rb2505", Exchange: "SHFE", VolumeMultiple: 10})
	sim.PushTick(&domain.Tick{Symbol: "SHFE.rb2505", LastPrice: 3500})

	select {
	case c := <-contracts:
		assert.Equal(t, "SHFE.rb2505", c.Symbol)
		assert.Equal(t, 10, c.VolumeMultiple)
	case <-time.After(time.Second):
		t.Fatal("contract callback never reached the bus")
	}

	select {
	case tk := <-ticks:
		assert.Equal(t, 3500.0, tk.LastPrice)
	case <-time.After(time.Second):
		t.Fatal("tick callback never reached the bus")
	}
}
