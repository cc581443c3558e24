// Package clustermanager wires together the host, loadbalancer, cluster,
// healthcheck, outlierdetector, and connpool packages into the Cluster
// Manager control plane: one primary Manager plus one WorkerView per
// dispatcher worker slot, communicating exclusively by posting immutable
// HostSet snapshots across the dispatcher.
package clustermanager
