package batches

import (
	"encoding/json"
	"time"

	"carbon-scribe/bridge-backend/internal/access"
)

// State is the lifecycle position of a batch.
type State string

const (
	StateEmpty               State = "empty"
	StateDataSet             State = "data_set"
	StateVintageLinked       State = "vintage_linked"
	StateRetirementConfirmed State = "retirement_confirmed"
	StateFractionalized      State = "fractionalized"
)

// Stage carries the data a batch holds in its current state. Each state has its own
// type, so a batch cannot hold a quantity without a serial number or a vintage link
// without data.
type Stage interface {
	State() State
}

// EmptyStage is a freshly minted batch with no data.
type EmptyStage struct{}

func (EmptyStage) State() State { return StateEmpty }

// DataSetStage holds the registry serial number and quantity of the claimed credits.
type DataSetStage struct {
	SerialNumber string
	Quantity     int64
	MetadataURI  string
}

func (DataSetStage) State() State { return StateDataSet }

// LinkedStage ties the batch to a catalog vintage.
type LinkedStage struct {
	DataSetStage
	VintageID uint64
}

func (LinkedStage) State() State { return StateVintageLinked }

// ConfirmedStage records the verifier who attested the off-ledger retirement.
type ConfirmedStage struct {
	LinkedStage
	ConfirmedBy access.Identity
}

func (ConfirmedStage) State() State { return StateRetirementConfirmed }

// FractionalizedStage is terminal: the quantity now lives in the vintage's token lot.
type FractionalizedStage struct {
	ConfirmedStage
	Holder access.Identity
}

func (FractionalizedStage) State() State { return StateFractionalized }

// Batch is a claimed real-world credit delivery owned by the broker that minted it.
type Batch struct {
	ID        uint64
	Owner     access.Identity
	Stage     Stage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// State returns the lifecycle state.
func (b Batch) State() State {
	return b.Stage.State()
}

// Data returns the serial/quantity data once the batch has reached DataSet.
func (b Batch) Data() (DataSetStage, bool) {
	switch s := b.Stage.(type) {
	case DataSetStage:
		return s, true
	case LinkedStage:
		return s.DataSetStage, true
	case ConfirmedStage:
		return s.DataSetStage, true
	case FractionalizedStage:
		return s.DataSetStage, true
	default:
		return DataSetStage{}, false
	}
}

// VintageID returns the linked vintage once the batch has reached VintageLinked.
func (b Batch) VintageID() (uint64, bool) {
	switch s := b.Stage.(type) {
	case LinkedStage:
		return s.VintageID, true
	case ConfirmedStage:
		return s.VintageID, true
	case FractionalizedStage:
		return s.VintageID, true
	default:
		return 0, false
	}
}

type batchView struct {
	ID           uint64    `json:"id"`
	Owner        string    `json:"owner"`
	State        State     `json:"state"`
	SerialNumber *string   `json:"serial_number"`
	Quantity     *int64    `json:"quantity"`
	MetadataURI  string    `json:"metadata_uri,omitempty"`
	VintageID    *uint64   `json:"linked_vintage_id"`
	ConfirmedBy  string    `json:"confirmed_by,omitempty"`
	Holder       string    `json:"holder,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MarshalJSON renders the stage data as nullable fields.
func (b Batch) MarshalJSON() ([]byte, error) {
	v := batchView{
		ID:        b.ID,
		Owner:     string(b.Owner),
		State:     b.State(),
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
	if d, ok := b.Data(); ok {
		v.SerialNumber = &d.SerialNumber
		v.Quantity = &d.Quantity
		v.MetadataURI = d.MetadataURI
	}
	if id, ok := b.VintageID(); ok {
		v.VintageID = &id
	}
	switch s := b.Stage.(type) {
	case ConfirmedStage:
		v.ConfirmedBy = string(s.ConfirmedBy)
	case FractionalizedStage:
		v.ConfirmedBy = string(s.ConfirmedBy)
		v.Holder = string(s.Holder)
	}
	return json.Marshal(v)
}
