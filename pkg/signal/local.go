package signal

import "encoding/json"

// LocalParticipant is an in-process room member. The stream manager joins
// a publisher's room through one of these instead of a websocket, so the
// answering peer session exchanges envelopes over channels.
type LocalParticipant struct {
	relay *Relay
	room  *Room
	p     *participant
}

// AttachLocal joins the room for streamID as an in-process participant,
// creating the room if needed. Queued offers and candidates from already
// connected participants are replayed on the receive channel, offer first.
func (r *Relay) AttachLocal(streamID string) *LocalParticipant {
	room, _ := r.getOrCreateRoom(NormalizeStreamID(streamID))
	p := r.join(room, true)
	return &LocalParticipant{relay: r, room: room, p: p}
}

// ID returns the server-assigned participant id.
func (lp *LocalParticipant) ID() string {
	return lp.p.id
}

// Receive returns the channel of envelopes addressed to this participant.
// The channel is closed when the participant leaves the room.
func (lp *LocalParticipant) Receive() <-chan Envelope {
	return lp.p.send
}

// Send routes an envelope to the other participants of the room.
func (lp *LocalParticipant) Send(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	lp.relay.route(lp.room, lp.p, Envelope{Type: msgType, Payload: raw})
	return nil
}

// Close leaves the room and discards queued state.
func (lp *LocalParticipant) Close() {
	lp.relay.leave(lp.room, lp.p)
}
