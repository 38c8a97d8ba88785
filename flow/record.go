package flow

// Delivery is a message as handed out by a Session, before the owning
// Container stamps it with a generation.
type Delivery struct {
	Payload      []byte
	Headers      map[string]string
	Queue        string
	DeliveryID   uint64
	Redeliveries uint32
}

// Record is a delivered message plus the generation of the flow it was
// delivered on. Records are immutable once created.
type Record struct {
	Payload      []byte
	Headers      map[string]string
	Queue        string
	DeliveryID   uint64
	Generation   uint64
	Redeliveries uint32
}

func newRecord(d Delivery, generation uint64) Record {
	return Record{
		Payload:      d.Payload,
		Headers:      d.Headers,
		Queue:        d.Queue,
		DeliveryID:   d.DeliveryID,
		Generation:   generation,
		Redeliveries: d.Redeliveries,
	}
}
