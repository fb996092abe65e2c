package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleproxyd/internal/adapter/fake"
	"github.com/srg/bleproxyd/internal/model"
)

func TestScannerReportsModeOnStart(t *testing.T) {
	ad := fake.New()
	var modes []model.ScannerMode
	s := New(ad, nil, func(model.Advertisement) {})
	s.OnStateChange(func(m model.ScannerMode) { modes = append(modes, m) })

	s.Start(context.Background(), false)
	require.Eventually(t, func() bool { return len(modes) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.ScannerPassive, modes[0])

	s.Stop()
	assert.Equal(t, model.ScannerIdle, s.Mode())
}

func TestScannerForwardsAdvertisements(t *testing.T) {
	ad := fake.New()
	received := make(chan model.Advertisement, 1)
	s := New(ad, nil, func(adv model.Advertisement) { received <- adv })

	s.Start(context.Background(), false)
	require.Eventually(t, func() bool { return s.Mode() == model.ScannerPassive }, time.Second, 5*time.Millisecond)

	ad.Advertise(model.Advertisement{Address: 42, RSSI: -50})

	select {
	case adv := <-received:
		assert.Equal(t, model.Address(42), adv.Address)
	case <-time.After(time.Second):
		t.Fatal("advertisement not forwarded")
	}
	s.Stop()
}

func TestScannerRestartsAfterFailure(t *testing.T) {
	ad := fake.New()
	var modes []model.ScannerMode
	s := New(ad, nil, func(model.Advertisement) {})
	s.OnStateChange(func(m model.ScannerMode) { modes = append(modes, m) })

	s.Start(context.Background(), false)
	require.Eventually(t, func() bool { return s.Mode() == model.ScannerPassive }, time.Second, 5*time.Millisecond)

	ad.FailNextScan(errors.New("radio reset"))

	require.Eventually(t, func() bool { return s.Mode() == model.ScannerIdle }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Mode() == model.ScannerPassive }, 3*time.Second, 5*time.Millisecond)

	s.Stop()
}
