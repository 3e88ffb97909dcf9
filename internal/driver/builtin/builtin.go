// Package builtin links every bundled driver into the binary.
package builtin

import (
	"gitlab.com/d21d3q/wmbusd/internal/driver"

	_ "gitlab.com/d21d3q/wmbusd/internal/driver/hydrocalm4"
	_ "gitlab.com/d21d3q/wmbusd/internal/driver/hydrodigit"
	_ "gitlab.com/d21d3q/wmbusd/internal/driver/iperl"
	_ "gitlab.com/d21d3q/wmbusd/internal/driver/lansenpu"
	_ "gitlab.com/d21d3q/wmbusd/internal/driver/multical21"
	_ "gitlab.com/d21d3q/wmbusd/internal/driver/piigth"
	_ "gitlab.com/d21d3q/wmbusd/internal/driver/supercom587"
)

// Registry returns the frozen registry of bundled drivers.
func Registry() *driver.Registry {
	return driver.Default()
}
