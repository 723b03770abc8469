package epd

import (
	"errors"
	"fmt"
	"io"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// Bus kinds accepted by Open.
const (
	KindSPIDev = "spidev"
	KindFTDI   = "ftdi"
)

// OpenOpts selects the SPI port and control lines of a panel.
type OpenOpts struct {
	// Kind is KindSPIDev (the host SPI controller) or KindFTDI (an FT232H
	// USB bridge).
	Kind string
	// Port is the spireg port name; empty selects the first port. Ignored
	// for KindFTDI.
	Port  string
	Speed physic.Frequency
	Mode  spi.Mode

	// Pin names. Host pins are looked up with gpioreg, FT232H pins by
	// header name (e.g. "FT232H.C0"). Empty means not wired.
	CS, DC, RST, Busy string

	Bus BusOpts
}

// Open initialises the host drivers, opens the SPI port and the control
// lines and returns a ready Bus. The closer releases the port.
func Open(o *OpenOpts) (*SPIBus, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("epd: host init: %w", err)
	}
	speed := o.Speed
	if speed == 0 {
		speed = DefaultSpeed
	}

	var (
		port   spi.PortCloser
		byName func(string) gpio.PinIO
		err    error
	)
	switch o.Kind {
	case "", KindSPIDev:
		port, err = spireg.Open(o.Port)
		if err != nil {
			return nil, nil, fmt.Errorf("epd: open spi %q: %w", o.Port, err)
		}
		byName = gpioreg.ByName
	case KindFTDI:
		ft, ferr := firstFT232H()
		if ferr != nil {
			return nil, nil, ferr
		}
		port, err = ft.SPI()
		if err != nil {
			return nil, nil, fmt.Errorf("epd: ftdi spi: %w", err)
		}
		byName = func(name string) gpio.PinIO {
			for _, p := range ft.Header() {
				if p.Name() == name {
					return p
				}
			}
			return nil
		}
	default:
		return nil, nil, fmt.Errorf("epd: unknown bus kind %q", o.Kind)
	}

	c, err := port.Connect(speed, o.Mode, 8)
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("epd: spi connect: %w", err)
	}

	var pins Pins
	for _, p := range []struct {
		name string
		set  func(gpio.PinIO)
	}{
		{o.CS, func(pin gpio.PinIO) { pins.CS = pin }},
		{o.DC, func(pin gpio.PinIO) { pins.DC = pin }},
		{o.RST, func(pin gpio.PinIO) { pins.RST = pin }},
		{o.Busy, func(pin gpio.PinIO) { pins.Busy = pin }},
	} {
		if p.name == "" {
			continue
		}
		pin := byName(p.name)
		if pin == nil {
			port.Close()
			return nil, nil, fmt.Errorf("epd: no such gpio %q", p.name)
		}
		p.set(pin)
	}

	bus, err := NewSPIBus(c, pins, &o.Bus)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	return bus, port, nil
}

func firstFT232H() (*ftdi.FT232H, error) {
	all := ftdi.All()
	if len(all) == 0 {
		return nil, errors.New("epd: found no FTDI device on the USB bus")
	}
	ft, ok := all[0].(*ftdi.FT232H)
	if !ok {
		return nil, fmt.Errorf("epd: %s is not an FT232H", all[0])
	}
	return ft, nil
}
