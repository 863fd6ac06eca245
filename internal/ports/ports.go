package ports

import (
	"gitlab.com/NebulousLabs/go-upnp"

	errs "github.com/tovrik/undertow/internal/errors"
)

// Service forwards listening ports on a UPnP-capable router.
// Discovery happens lazily on the first call.
type Service interface {
	Forward(uint16) error
	ForwardMany([]uint16) (uint16, error)
	Clear(uint16) error
}

type ports struct {
	d *upnp.IGD
}

func (p *ports) discover() error {
	if p.d != nil {
		return nil
	}

	d, err := upnp.Discover()
	if err != nil {
		return errs.Wrap(err, errs.Op("ports.discover"), errs.Network)
	}

	p.d = d
	return nil
}

func (p *ports) Forward(port uint16) error {
	if err := p.discover(); err != nil {
		return err
	}

	err := p.d.Forward(port, "Undertow BitTorrent client")
	if err != nil {
		return errs.Wrap(err, errs.Op("ports.Forward"), errs.Network)
	}

	return nil
}

// ForwardMany tries each port in turn and returns the first
// one the router accepts
func (p *ports) ForwardMany(ports []uint16) (uint16, error) {
	for _, port := range ports {
		if err := p.Forward(port); err != nil {
			continue
		}

		return port, nil
	}

	return 0, errs.Wrap(errs.New("could not forward any of the specified ports"), errs.Op("ports.ForwardMany"), errs.Network)
}

func (p *ports) Clear(port uint16) error {
	if p.d == nil {
		return nil
	}

	err := p.d.Clear(port)
	if err != nil {
		return errs.Wrap(err, errs.Op("ports.Clear"), errs.Network)
	}

	return nil
}

func NewService() Service {
	return &ports{}
}
