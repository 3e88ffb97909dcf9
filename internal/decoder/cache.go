package decoder

import (
	"crypto/cipher"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"gitlab.com/d21d3q/wmbusd/internal/driver"
	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

// meter is the reusable context of one meter within a session.
type meter struct {
	key       string
	driverReq string
	block     cipher.Block
	drv       driver.Driver
	formats   *wmbus.FormatStore
}

func (m *meter) reusableFor(key, driverReq string) bool {
	return m.key == key && m.driverReq == driverReq
}

// Cache holds the meters seen on one connection. It is owned by a single
// session and never shared.
type Cache struct {
	mu        sync.Mutex
	meters    *lru.Cache[string, *meter]
	evictions *atomic.Int64
}

// NewCache returns a cache bounded to size meters. Evictions are logged to
// log, which may be nil.
func NewCache(size int, log logrus.FieldLogger) (*Cache, error) {
	c := &Cache{evictions: atomic.NewInt64(0)}
	meters, err := lru.NewWithEvict(size, func(identity string, _ *meter) {
		c.evictions.Inc()
		if log != nil {
			log.WithField("meter", identity).Debug("meter evicted from cache")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("meter cache: %w", err)
	}
	c.meters = meters
	return c, nil
}

// Len returns the number of cached meters.
func (c *Cache) Len() int {
	return c.meters.Len()
}

// Evictions returns how many meters were pushed out by newer ones.
func (c *Cache) Evictions() int64 {
	return c.evictions.Load()
}

// acquire returns the cached meter for identity when it was created with
// the same key and driver request; otherwise it builds a new one and
// replaces the old entry.
func (c *Cache) acquire(identity, key, driverReq string, build func() (*meter, error)) (*meter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.meters.Get(identity); ok && m.reusableFor(key, driverReq) {
		return m, nil
	}
	m, err := build()
	if err != nil {
		return nil, err
	}
	c.meters.Add(identity, m)
	return m, nil
}

// identity distinguishes meters that happen to share an id.
func identity(addr frame.Address) string {
	return fmt.Sprintf("%s.%s.%02X.%02X", addr.ManufacturerFlag(), addr.IDString(), addr.Version, addr.DeviceType)
}
