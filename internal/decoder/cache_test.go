package decoder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

func TestCacheAcquire(t *testing.T) {
	cache, err := NewCache(4, nil)
	require.NoError(t, err)

	builds := 0
	build := func() (*meter, error) {
		builds++
		return &meter{}, nil
	}
	first, err := cache.acquire("KAM.1", "", "auto", func() (*meter, error) {
		m, err := build()
		m.key, m.driverReq = "", "auto"
		return m, err
	})
	require.NoError(t, err)

	again, err := cache.acquire("KAM.1", "", "auto", build)
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, 1, builds)

	replaced, err := cache.acquire("KAM.1", "ABCD", "auto", build)
	require.NoError(t, err)
	require.NotSame(t, first, replaced)
	require.Equal(t, 1, cache.Len())
	require.Zero(t, cache.Evictions())

	boom := errors.New("boom")
	_, err = cache.acquire("KAM.2", "", "auto", func() (*meter, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, cache.Len())
}

func TestIdentity(t *testing.T) {
	addr := frame.Address{
		Manufacturer: frame.ManufacturerCode("KAM"),
		ID:           [4]byte{0x99, 0x87, 0x34, 0x76},
		Version:      0x1B,
		DeviceType:   0x16,
	}
	require.Equal(t, "KAM.76348799.1B.16", identity(addr))

	other := addr
	other.DeviceType = 0x06
	require.NotEqual(t, identity(addr), identity(other))
}
