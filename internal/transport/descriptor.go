package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Descriptor is a parsed link descriptor such as "tcp:10.0.0.2:5760" or "/dev/ttyACM0,57600".
type Descriptor struct {
	Kind string
	Addr string
	Baud int
}

// ParseDescriptor accepts pymavlink-style connection strings:
//
//	tcp:HOST:PORT          connect to a TCP server
//	tcpin:HOST:PORT        wait for one TCP peer
//	serial:DEVICE[:BAUD]   serial device
//	DEVICE[,BAUD]          serial device given as a path or COM port
func ParseDescriptor(raw string, defaultBaud int) (Descriptor, error) {
	desc := strings.TrimSpace(raw)
	if desc == "" {
		return Descriptor{}, fmt.Errorf("link descriptor is empty")
	}

	switch {
	case strings.HasPrefix(desc, "tcp:"):
		addr, err := parseHostPort(strings.TrimPrefix(desc, "tcp:"), false)
		if err != nil {
			return Descriptor{}, fmt.Errorf("parse %q: %w", desc, err)
		}
		return Descriptor{Kind: KindTCP, Addr: addr}, nil
	case strings.HasPrefix(desc, "tcpin:"):
		addr, err := parseHostPort(strings.TrimPrefix(desc, "tcpin:"), true)
		if err != nil {
			return Descriptor{}, fmt.Errorf("parse %q: %w", desc, err)
		}
		return Descriptor{Kind: KindTCPIn, Addr: addr}, nil
	case strings.HasPrefix(desc, "serial:"):
		rest := strings.TrimPrefix(desc, "serial:")
		device, baud := rest, defaultBaud
		if idx := strings.LastIndex(rest, ":"); idx > 0 {
			n, err := strconv.Atoi(rest[idx+1:])
			if err == nil {
				device, baud = rest[:idx], n
			}
		}
		return serialDescriptor(device, baud)
	case strings.HasPrefix(desc, "/") || strings.HasPrefix(strings.ToUpper(desc), "COM"):
		device, baud := desc, defaultBaud
		if idx := strings.LastIndex(desc, ","); idx > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(desc[idx+1:]))
			if err != nil {
				return Descriptor{}, fmt.Errorf("parse %q: invalid baud rate: %w", desc, err)
			}
			device, baud = desc[:idx], n
		}
		return serialDescriptor(device, baud)
	default:
		return Descriptor{}, fmt.Errorf("unsupported link descriptor %q", desc)
	}
}

// FromDescriptor builds an unconnected transport for a link descriptor.
func FromDescriptor(raw string, defaultBaud int) (Transport, error) {
	d, err := ParseDescriptor(raw, defaultBaud)
	if err != nil {
		return nil, err
	}

	return d.Transport()
}

func (d Descriptor) Transport() (Transport, error) {
	switch d.Kind {
	case KindTCP:
		host, portRaw, err := net.SplitHostPort(d.Addr)
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(portRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", portRaw, err)
		}
		return NewIPTransport(host, port), nil
	case KindTCPIn:
		return NewListenTransport(d.Addr), nil
	case KindSerial:
		return NewSerialTransport(d.Addr, d.Baud), nil
	default:
		return nil, fmt.Errorf("unknown link kind: %q", d.Kind)
	}
}

func (d Descriptor) String() string {
	if d.Kind == KindSerial {
		return fmt.Sprintf("serial:%s:%d", d.Addr, d.Baud)
	}

	return d.Kind + ":" + d.Addr
}

func serialDescriptor(device string, baud int) (Descriptor, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return Descriptor{}, fmt.Errorf("serial device is empty")
	}
	if baud <= 0 {
		return Descriptor{}, fmt.Errorf("invalid serial baud rate: %d", baud)
	}

	return Descriptor{Kind: KindSerial, Addr: device, Baud: baud}, nil
}

func parseHostPort(raw string, allowEmptyHost bool) (string, error) {
	host, portRaw, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if host == "" && !allowEmptyHost {
		return "", fmt.Errorf("host is empty")
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %q", portRaw)
	}

	return net.JoinHostPort(host, portRaw), nil
}
