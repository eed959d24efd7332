package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/vpci/internal/migration"
	"github.com/tinyrange/vpci/internal/pci"
	"gopkg.in/yaml.v3"
)

// MachineConfig describes the PCIe topology to assemble.
type MachineConfig struct {
	Name      string         `yaml:"name"`
	RootPorts []RootPortSpec `yaml:"rootPorts"`
}

// RootPortSpec describes one root port on the root bus.
type RootPortSpec struct {
	Name          string `yaml:"name,omitempty"`
	Devfn         uint8  `yaml:"devfn"`
	Port          uint8  `yaml:"port,omitempty"`
	Multifunction bool   `yaml:"multifunction,omitempty"`
	// SecondaryBus, if non-zero, is programmed into the port's
	// secondary-bus-number register after realize.
	SecondaryBus uint8 `yaml:"secondaryBus,omitempty"`
}

func (c *MachineConfig) normalize() {
	if c.Name == "" {
		c.Name = "vm"
	}
	for i := range c.RootPorts {
		if c.RootPorts[i].Name == "" {
			c.RootPorts[i].Name = fmt.Sprintf("pcie.%d", i+1)
		}
	}
}

func loadConfig(path string) (*MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machine config: %w", err)
	}
	var cfg MachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse machine config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func buildMachine(cfg *MachineConfig, mgr *migration.Manager) (*pci.Host, error) {
	host := pci.NewHost()
	for _, spec := range cfg.RootPorts {
		port := pci.NewRootPort(pci.RootPortConfig{
			Name:          spec.Name,
			Devfn:         spec.Devfn,
			PortNum:       spec.Port,
			Multifunction: spec.Multifunction,
			Migration:     mgr,
		}, host.RootBus)
		if err := port.Realize(); err != nil {
			return nil, fmt.Errorf("build machine %q: %w", cfg.Name, err)
		}
		if spec.SecondaryBus != 0 {
			port.WriteConfig(pci.SecondaryBusNum, []byte{spec.SecondaryBus})
			port.WriteConfig(pci.SubordinateBusNum, []byte{spec.SecondaryBus})
		}
	}
	return host, nil
}

func describe(host *pci.Host) {
	fmt.Printf("ECAM window: %#x (+%#x)\n", host.EcamBase(), host.EcamSize())
	host.RootBus.WalkDevices(func(devfn uint8, dev pci.Device) bool {
		var vendor, device [2]byte
		dev.ReadConfig(pci.VendorID, vendor[:])
		dev.ReadConfig(pci.DeviceID, device[:])
		fmt.Printf("  %02x.%x  %-12s vendor %02x%02x device %02x%02x\n",
			devfn>>3, devfn&0x7, dev.Name(),
			vendor[1], vendor[0], device[1], device[0])
		return true
	})
}

func run() error {
	configPath := flag.String("config", "", "machine description (YAML)")
	savePath := flag.String("save", "", "write a device-state snapshot to this path")
	restorePath := flag.String("restore", "", "restore device state from this snapshot (incoming migration)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vpci - assemble and inspect an emulated PCIe topology

USAGE:
  vpci -config machine.yaml [-save state.bin | -restore state.bin]

FLAGS:
  -config PATH   Machine description (YAML): root ports on the root bus
  -save PATH     Serialize all registered device state after assembly
  -restore PATH  Replay a previously saved snapshot after assembly
`)
	}
	flag.Parse()

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("missing -config")
	}
	if *savePath != "" && *restorePath != "" {
		return fmt.Errorf("-save and -restore are mutually exclusive")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	mgr := migration.NewManager()
	host, err := buildMachine(cfg, mgr)
	if err != nil {
		return err
	}

	if *restorePath != "" {
		if err := mgr.LoadSnapshot(*restorePath); err != nil {
			return fmt.Errorf("incoming migration: %w", err)
		}
	}
	describe(host)
	if *savePath != "" {
		if err := mgr.SaveSnapshot(*savePath); err != nil {
			return err
		}
		fmt.Printf("saved device state to %s\n", *savePath)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vpci: %v\n", err)
		os.Exit(1)
	}
}
