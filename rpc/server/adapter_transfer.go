package server

import (
	"fmt"

	"github.com/ValentinKolb/dCache/lib/replication"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/transfer"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/pipeline"
)

// NewTransferServerAdapter creates the adapter for the receiving side of the
// state transfer protocol
func NewTransferServerAdapter(r *transfer.Receiver) IRPCServerAdapter {
	return &transferServerAdapter{receiver: r}
}

type transferServerAdapter struct {
	receiver *transfer.Receiver
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IRPCServerAdapter)
// --------------------------------------------------------------------------

func (a *transferServerAdapter) Handle(_ *pipeline.Connection, req *common.Message) (resp *common.Message) {
	var err error
	switch req.MsgType {
	case common.MsgTXfrBegin:
		err = a.receiver.Begin(transfer.BeginRequest{
			SessionID: req.ID,
			Source:    req.Peer,
			Partition: req.Partition,
			Snapshot:  req.Ok,
			From:      req.Seq,
		})
	case common.MsgTXfrSnapshot:
		var entries []store.KeyEntry
		if entries, err = store.DecodeEntries(req.Payload); err == nil {
			err = a.receiver.ApplySnapshot(transfer.SnapshotChunk{
				Source:     req.Peer,
				Partition:  req.Partition,
				TransferID: req.Seq,
				Entries:    entries,
				Last:       req.Ok,
			})
		}
	case common.MsgTXfrOps:
		err = a.applyOperations(req)
	case common.MsgTXfrComplete:
		err = a.receiver.Complete(transfer.Completion{
			Source:    req.Peer,
			Partition: req.Partition,
			Seq:       req.Seq,
		})
	default:
		return common.NewErrorResponse(fmt.Sprintf("unsupported message type %s for transfer shard", req.MsgType))
	}

	if err != nil {
		Logger.Warningf("%s from %s for partition %d failed: %v", req.MsgType, req.Peer, req.Partition, err)
		return common.NewErrorResponse(err.Error())
	}
	return common.NewSuccessResponse(req.MsgType)
}

func (a *transferServerAdapter) applyOperations(req *common.Message) error {
	partition, ops, err := replication.DecodeOperations(req.Payload)
	if err != nil {
		return err
	}
	if partition != req.Partition {
		return fmt.Errorf("operation batch of partition %d sent for partition %d", partition, req.Partition)
	}
	return a.receiver.ApplyOperations(transfer.OperationBatch{
		Source:    req.Peer,
		Partition: partition,
		Ops:       ops,
	})
}
