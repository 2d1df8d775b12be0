package hoststats

import (
	"net/http"

	"imuslab.com/liturgia/mod/utils"
)

// HandleGetAllHostStats returns statistics for all hosts
func (c *Collector) HandleGetAllHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	utils.SendJSONResponse(w, c.GetAllHostStats())
}

// HandleGetHostStats returns statistics for a specific host
func (c *Collector) HandleGetHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hostname, err := utils.GetPara(r, "hostname")
	if err != nil {
		utils.SendErrorResponse(w, "hostname parameter is required")
		return
	}

	stats := c.GetHostStats(hostname)
	if stats == nil {
		utils.SendErrorStatus(w, http.StatusNotFound, "Host not found")
		return
	}
	utils.SendJSONResponse(w, stats)
}

// HandleResetHostStats resets statistics for a specific host
func (c *Collector) HandleResetHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hostname, err := utils.GetPara(r, "hostname")
	if err != nil {
		utils.SendErrorResponse(w, "hostname parameter is required")
		return
	}

	if !c.ResetHostStats(hostname) {
		utils.SendErrorStatus(w, http.StatusNotFound, "Host not found")
		return
	}
	utils.SendOK(w)
}
