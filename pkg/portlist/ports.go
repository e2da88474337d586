package portlist

import (
	"sort"

	gxserial "github.com/Gurux/gxserial-go"
)

// Lister enumerates serial devices present on the host.
type Lister func() ([]string, error)

// System lists the serial ports the OS reports.
func System() ([]string, error) {
	ports, err := gxserial.GetPortNames()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}
