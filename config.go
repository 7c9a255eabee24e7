package main

import (
	"flag"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robertof/go-blescan-api/companyid"
)

type config struct {
	Debug, Trace         bool
	BindAddress          string
	DiscoverDevices      bool
	BluetoothDeviceId    int
	ActiveScan           bool
	AllowList            []net.HardwareAddr
	CompanyIDs           companyid.Options
	RefreshCompanyIDs    bool
	ControlRate          float64
	ShutdownTimeout      time.Duration
	EnableMetamonitoring bool
}

type hardwareAddrList struct {
	list *[]net.HardwareAddr
}

func (l *hardwareAddrList) String() string {
	if l.list == nil {
		return ""
	}

	addrs := make([]string, len(*l.list))

	for i, addr := range *l.list {
		addrs[i] = addr.String()
	}

	return strings.Join(addrs, ",")
}

func (l *hardwareAddrList) Set(v string) error {
	addr, err := net.ParseMAC(v)
	if err != nil {
		return fmt.Errorf("invalid device address: %w", err)
	}

	if len(addr) != 6 {
		return fmt.Errorf("invalid device address %q: not a Bluetooth address", v)
	}

	*l.list = append(*l.list, addr)

	return nil
}

func ParseArgs() config {
	var cfg config

	flag.StringVar(&cfg.BindAddress, "bind", "localhost:5000", "Where the API server will bind to")
	flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
	flag.BoolVar(&cfg.ActiveScan, "active-scan", false, "Request scan responses from the devices (active scan)")
	flag.Var(&hardwareAddrList{list: &cfg.AllowList}, "allow",
		"Only report this device address. Can be repeated, defaults to every device")
	flag.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
	flag.StringVar(&cfg.CompanyIDs.URL, "company-ids-url", companyid.DefaultURL,
		"Where to download the Bluetooth company identifiers from")
	flag.StringVar(&cfg.CompanyIDs.CachePath, "company-ids-cache", companyid.DefaultCachePath(),
		"Location of the company identifiers cache")
	flag.DurationVar(&cfg.CompanyIDs.MaxAge, "company-ids-max-age", companyid.DefaultMaxAge,
		"How long the cached company identifiers are used before downloading them again")
	flag.BoolVar(&cfg.CompanyIDs.AllowStale, "company-ids-allow-stale", false,
		"Keep using expired company identifiers when downloading them fails")
	flag.BoolVar(&cfg.RefreshCompanyIDs, "refresh-company-ids", false, "Download the company identifiers and quit")
	flag.Float64Var(&cfg.ControlRate, "control-rate", 1,
		"Start/stop requests allowed per second, 0 disables the limit")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second,
		"How long to wait for the scanner and the open requests on shutdown")
	flag.BoolVar(&cfg.EnableMetamonitoring, "metamonitoring", true, "Enable metamonitoring metrics")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
	flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

	flag.Parse()

	return cfg
}
