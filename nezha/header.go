package nezha

import "github.com/dqian3/Nezha/wire"

// header builds the {viewId, cvVersion, cvHash} triple spec.md §6 says
// every outbound message carries.
func (r *Replica) header() wire.Header {
	cv := r.cv.InUse()
	return wire.Header{
		ViewId:    r.viewId.Load(),
		CVVersion: cv.Version,
		CVHash:    cv.Hash.toWire(),
	}
}
