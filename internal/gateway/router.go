package gateway

import (
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/ipc"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

// Host names inside the aggregate.
const (
	SourceRoot = "root"
	SourceUser = "user"
)

// blendTarget is where the relayed coolant blend lands: the power plan
// controller on the root host.
var blendTarget = device.Key{Type: device.TypeCPU, ID: "cpu0"}

// Sender pushes a setting update toward one host.
type Sender interface {
	Send(update ipc.SettingUpdate) error
}

// Router folds host telemetry into the aggregate and relays setting
// updates to the host that owns the device class. The root host only
// ever sees gpu and cpu instructions; cooling-loop and lighting go to
// the user host. Anything else is denied here, before it reaches a
// socket.
type Router struct {
	log  logger.Logger
	agg  *Aggregator
	root Sender
	user Sender
}

func NewRouter(log logger.Logger, agg *Aggregator, root, user Sender) *Router {
	return &Router{
		log:  log,
		agg:  agg,
		root: root,
		user: user,
	}
}

// RootTelemetry handles a telemetry push from the root host.
func (r *Router) RootTelemetry(snapshots []device.Snapshot) {
	r.agg.Update(SourceRoot, snapshots)
}

// UserTelemetry handles a telemetry push from the user host and relays
// the blended coolant temperature onward to the root host, where the
// power plan policy reads it.
func (r *Router) UserTelemetry(snapshots []device.Snapshot) {
	r.agg.Update(SourceUser, snapshots)

	for _, snap := range snapshots {
		if snap.Type != device.TypeCoolingLoop {
			continue
		}

		blended, ok := snap.Properties["blended_temperature"]
		if !ok {
			continue
		}

		err := r.root.Send(ipc.SettingUpdate{
			DeviceType: blendTarget.Type,
			DeviceID:   blendTarget.ID,
			Property:   "blended_degree",
			Value:      blended,
		})
		if err != nil {
			// The policy holds its last degree until the link returns.
			r.log.Debug().Err(err).Msg("Blended degree relay skipped")
		}
	}
}

// Route relays one setting update to the owning host.
func (r *Router) Route(update ipc.SettingUpdate) error {
	errFactory := errors.New()

	switch update.DeviceType {
	case device.TypeGPU, device.TypeCPU:
		return r.root.Send(update)
	case device.TypeCoolingLoop, device.TypeLighting:
		return r.user.Send(update)
	default:
		return errFactory.WithData(ErrRouteDenied, string(update.DeviceType))
	}
}
