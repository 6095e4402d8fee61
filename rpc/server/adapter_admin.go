package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/lib/transfer"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/pipeline"
)

// maintenanceControl is implemented by membership layers that accept
// administrative commands (membership.Static and membership.FileWatcher)
type maintenanceControl interface {
	SetMaintenance(on bool) error
	RequestTransfer(req transfer.TransferRequest) error
}

// NewAdminServerAdapter creates the adapter for the administrative operations of n
func NewAdminServerAdapter(n *node.Node) IRPCServerAdapter {
	return &adminServerAdapter{node: n}
}

type adminServerAdapter struct {
	node *node.Node
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IRPCServerAdapter)
// --------------------------------------------------------------------------

func (a *adminServerAdapter) Handle(_ *pipeline.Connection, req *common.Message) (resp *common.Message) {
	switch req.MsgType {
	case common.MsgTAdmMaintenance:
		ctl, ok := a.node.Membership().(maintenanceControl)
		if !ok {
			return common.NewErrorResponse("membership does not accept maintenance commands")
		}
		if err := ctl.SetMaintenance(req.Ok); err != nil {
			return common.NewErrorResponse(err.Error())
		}
		return common.NewSuccessResponse(req.MsgType)

	case common.MsgTAdmTransfer:
		if err := a.requestTransfer(req); err != nil {
			return common.NewErrorResponse(err.Error())
		}
		return common.NewSuccessResponse(req.MsgType)

	case common.MsgTAdmStatus:
		return &common.Message{
			MsgType: req.MsgType,
			Value:   []byte(a.status()),
			Ok:      true,
		}

	default:
		return common.NewErrorResponse(fmt.Sprintf("unsupported message type %s for admin shard", req.MsgType))
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (a *adminServerAdapter) requestTransfer(req *common.Message) error {
	if req.Peer == "" {
		return fmt.Errorf("transfer request without peer")
	}
	var payload common.TransferPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return fmt.Errorf("invalid transfer payload: %w", err)
		}
	}
	tr := transfer.TransferRequest{
		Peer:       req.Peer,
		Reason:     payload.Reason,
		Partitions: payload.Partitions,
		From:       payload.From,
	}
	if tr.Reason == "" {
		tr.Reason = "admin"
	}

	// requests go through the membership layer if it takes them, so it sees
	// the failure reports of the session
	if ctl, ok := a.node.Membership().(maintenanceControl); ok {
		return ctl.RequestTransfer(tr)
	}
	_, err := a.node.Coordinator().StartSession(tr)
	return err
}

func (a *adminServerAdapter) status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node:        %s\n", a.node.ID())
	fmt.Fprintf(&b, "status:      %s\n", a.node.Status().Snapshot())
	fmt.Fprintf(&b, "partitions:  %d\n", a.node.Partitions())
	fmt.Fprintf(&b, "keys:        %d\n", a.node.Store().Len())
	fmt.Fprintf(&b, "events:      %d\n", a.node.Dedup().Len())
	fmt.Fprintf(&b, "inbound:     %d\n", a.node.Receiver().Active())

	sessions := a.node.Coordinator().Sessions()
	fmt.Fprintf(&b, "sessions:    %d\n", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(&b, "  %s\n", s)
	}
	return b.String()
}
