package proxmox

import "encoding/json"

// Wire types for the subset of the PVE API this daemon touches. Numeric
// fields the API sometimes returns as strings are decoded through
// json.Number where needed.

type ticketResponse struct {
	Data struct {
		Ticket              string `json:"ticket"`
		CSRFPreventionToken string `json:"CSRFPreventionToken"`
	} `json:"data"`
}

type clusterStatusResponse struct {
	Data []clusterStatusItem `json:"data"`
}

type clusterStatusItem struct {
	Type  string `json:"type"` // "cluster" or "node"
	Name  string `json:"name"`
	Nodes int    `json:"nodes,omitempty"`
}

type haManagerStatusResponse struct {
	Data struct {
		ManagerStatus struct {
			MasterNode string `json:"master_node"`
		} `json:"manager_status"`
		Quorum struct {
			Quorate json.Number `json:"quorate"`
		} `json:"quorum"`
	} `json:"data"`
}

type resourcesResponse struct {
	Data []resourceItem `json:"data"`
}

// resourceItem is one entry of /cluster/resources; nodes and guests share
// the endpoint and are told apart by Type.
type resourceItem struct {
	Type   string  `json:"type"` // "node", "qemu", "lxc", "storage", ...
	Node   string  `json:"node"`
	Status string  `json:"status"`
	VMID   int     `json:"vmid,omitempty"`
	Name   string  `json:"name,omitempty"`
	MaxMem int64   `json:"maxmem"`
	Mem    int64   `json:"mem"`
	MaxCPU int     `json:"maxcpu"`
	CPU    float64 `json:"cpu"`
}

type rrdDataResponse struct {
	Data []rrdSample `json:"data"`
}

type rrdSample struct {
	Time int64    `json:"time"`
	CPU  *float64 `json:"cpu"`
}

type migratePrecheckResponse struct {
	Data struct {
		LocalDisks     []json.RawMessage `json:"local_disks"`
		LocalResources []json.RawMessage `json:"local_resources"`
	} `json:"data"`
}

type startTaskResponse struct {
	Data string `json:"data"` // UPID
}

type taskStatusResponse struct {
	Data struct {
		Status     string `json:"status"` // "running" or "stopped"
		ExitStatus string `json:"exitstatus,omitempty"`
	} `json:"data"`
}
