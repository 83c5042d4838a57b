// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metricsource

import (
	"context"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

// maxNodeID keeps derived node ids in the range the collector dashboards use.
const maxNodeID = 1 << 16

// Host reports the local machine's node id and CPU utilization. The
// application, GPU and session parts of the record come from fill, since the
// host has no way to observe them.
type Host struct {
	nodeID uint32
	pid    uint32
	fill   *Synthetic
}

// NewHost derives the node id from the host name unless nodeID is non-zero.
func NewHost(ctx context.Context, nodeID uint32, fill *Synthetic) (*Host, error) {
	if nodeID == 0 {
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("read host info: %w", err)
		}
		nodeID = NodeID(info.Hostname)
	}
	if fill == nil {
		fill = NewSynthetic(uint64(nodeID))
	}

	return &Host{nodeID: nodeID, pid: uint32(os.Getpid()), fill: fill}, nil
}

// NodeID maps a host name to a stable node id.
func NodeID(hostname string) uint32 {
	return uint32(xxhash.Sum64String(hostname)%(maxNodeID-1)) + 1
}

// Collect samples CPU utilization since the previous call.
func (h *Host) Collect(ctx context.Context) (wire.MetricsRecord, error) {
	rec, err := h.fill.Collect(ctx)
	if err != nil {
		return rec, err
	}

	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return rec, fmt.Errorf("read cpu utilization: %w", err)
	}
	if len(percent) > 0 {
		rec.Node.CPUUtilization = float32(percent[0])
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return rec, fmt.Errorf("read memory: %w", err)
	}

	rec.Node.NodeID = h.nodeID
	rec.Node.NodeReady = boolByte(vm.Available > 0)
	rec.Perf.PID = h.pid

	return rec, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}

	return 0
}
