package w3s

import (
	"time"

	"github.com/ipfs/go-cid"
)

// Upload is the service's record of stored content.
type Upload struct {
	Cid     string    `json:"cid" yaml:"cid"`
	Name    string    `json:"name,omitempty" yaml:"name,omitempty"`
	DagSize int64     `json:"dagSize" yaml:"dagSize"`
	Created time.Time `json:"created" yaml:"created"`
	Pins    []Pin     `json:"pins" yaml:"pins"`
	Deals   []Deal    `json:"deals" yaml:"deals"`
}

func (u *Upload) CID() (cid.Cid, error) {
	return cid.Decode(u.Cid)
}

type Pin struct {
	PeerID   string    `json:"peerId" yaml:"peerId"`
	PeerName string    `json:"peerName" yaml:"peerName"`
	Region   string    `json:"region" yaml:"region"`
	Status   string    `json:"status" yaml:"status"`
	Updated  time.Time `json:"updated" yaml:"updated"`
}

type Deal struct {
	DealID            int64     `json:"dealId" yaml:"dealId"`
	StorageProvider   string    `json:"storageProvider" yaml:"storageProvider"`
	Status            string    `json:"status" yaml:"status"`
	PieceCid          string    `json:"pieceCid" yaml:"pieceCid"`
	DataCid           string    `json:"dataCid" yaml:"dataCid"`
	DataModelSelector string    `json:"dataModelSelector" yaml:"dataModelSelector"`
	Activation        time.Time `json:"activation" yaml:"activation"`
	Created           time.Time `json:"created" yaml:"created"`
	Updated           time.Time `json:"updated" yaml:"updated"`
}

type cidResponse struct {
	Cid string `json:"cid"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}
