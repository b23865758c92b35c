package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codelaboratoryltd/radius-ledger/pkg/nas"
)

type createNASRequest struct {
	NASName     string     `json:"nasname" binding:"required,max=128"`
	ShortName   string     `json:"shortname" binding:"max=64"`
	Type        string     `json:"type" binding:"omitempty,nastype"`
	Ports       int        `json:"ports" binding:"gte=0,lte=65535"`
	Secret      string     `json:"secret" binding:"required"`
	Server      string     `json:"server"`
	Community   string     `json:"community"`
	Description string     `json:"description"`
	Status      nas.Status `json:"status" binding:"omitempty,nasstatus"`
	Location    string     `json:"location"`
	Contact     string     `json:"contact"`
	MaxClients  int        `json:"maxClients" binding:"gte=0"`
}

type updateNASRequest struct {
	NASName     *string     `json:"nasname" binding:"omitempty,min=1,max=128"`
	ShortName   *string     `json:"shortname" binding:"omitempty,max=64"`
	Type        *string     `json:"type" binding:"omitempty,nastype"`
	Ports       *int        `json:"ports" binding:"omitempty,gte=0,lte=65535"`
	Secret      *string     `json:"secret"`
	Server      *string     `json:"server"`
	Community   *string     `json:"community"`
	Description *string     `json:"description"`
	Status      *nas.Status `json:"status" binding:"omitempty,nasstatus"`
	Location    *string     `json:"location"`
	Contact     *string     `json:"contact"`
	MaxClients  *int        `json:"maxClients" binding:"omitempty,gte=0"`
}

// withClients sets Clients on each device from the active session counts.
func withClients(devices []*nas.Device, active map[string]int) {
	for _, d := range devices {
		d.Clients = active[d.NASName]
		if d.ShortName != "" && d.ShortName != d.NASName {
			d.Clients += active[d.ShortName]
		}
	}
}

// GET /nas?search&type&status
func (s *Server) listNAS(c *gin.Context) {
	ctx := c.Request.Context()
	devices, err := s.deps.NAS.List(ctx, nas.Filter{
		Search: c.Query("search"),
		Type:   c.Query("type"),
		Status: nas.Status(c.Query("status")),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	active, err := s.deps.Aggregator.ActiveByNAS(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	withClients(devices, active)
	if devices == nil {
		devices = []*nas.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

func (s *Server) listNASTypes(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.NAS.Types())
}

func (s *Server) getNAS(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := s.deps.NAS.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.respondDevice(c, http.StatusOK, d)
}

func (s *Server) respondDevice(c *gin.Context, status int, d *nas.Device) {
	active, err := s.deps.Aggregator.ActiveByNAS(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	withClients([]*nas.Device{d}, active)
	c.JSON(status, d)
}

func (s *Server) createNAS(c *gin.Context) {
	var req createNASRequest
	if !bind(c, &req) {
		return
	}
	d, err := s.deps.NAS.Create(c.Request.Context(), nas.DeviceInput{
		NASName:     req.NASName,
		ShortName:   req.ShortName,
		Type:        req.Type,
		Ports:       req.Ports,
		Secret:      req.Secret,
		Server:      req.Server,
		Community:   req.Community,
		Description: req.Description,
		Status:      req.Status,
		Location:    req.Location,
		Contact:     req.Contact,
		MaxClients:  req.MaxClients,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.respondDevice(c, http.StatusCreated, d)
}

func (s *Server) updateNAS(c *gin.Context) {
	var req updateNASRequest
	if !bind(c, &req) {
		return
	}
	d, err := s.deps.NAS.Update(c.Request.Context(), c.Param("id"), nas.DevicePatch{
		NASName:     req.NASName,
		ShortName:   req.ShortName,
		Type:        req.Type,
		Ports:       req.Ports,
		Secret:      req.Secret,
		Server:      req.Server,
		Community:   req.Community,
		Description: req.Description,
		Status:      req.Status,
		Location:    req.Location,
		Contact:     req.Contact,
		MaxClients:  req.MaxClients,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.respondDevice(c, http.StatusOK, d)
}

func (s *Server) deleteNAS(c *gin.Context) {
	if err := s.deps.NAS.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result{Success: true, Message: "NAS device deleted"})
}

// POST /nas/:id/test sends a Status-Server to the device.
func (s *Server) testNAS(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	d, err := s.deps.NAS.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	secret, err := s.deps.NAS.Secret(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Prober.Probe(ctx, d.NASName, secret))
}
