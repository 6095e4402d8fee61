// Package membership connects a cache node to the service that resolves cluster
// membership.
//
// This package does not decide membership. It only relays two kinds of
// decisions made elsewhere:
//   - "a transfer session with peer X is authorized" (TransferRequests)
//   - "maintenance mode is active" (the WaitForMaintenance flag of Status)
//
// and reports transfers that failed permanently back to that service.
//
// Implementations:
//
//   - Static: driven programmatically, used by the admin commands of the
//     rpc server and by tests.
//
//   - FileWatcher: reads the decisions from a JSON file and follows changes
//     with fsnotify. Useful when membership is resolved by an external
//     orchestrator that renders a file (e.g. a mounted config map):
//
//	{
//	  "maintenance": false,
//	  "transfers": [
//	    {"peer": "10.0.0.7:8080", "reason": "join", "from": {"3": 1200}}
//	  ]
//	}
//
//     A transfer is requested once when it appears in the file. Removing it
//     and adding it again requests it again.
package membership
