package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codelaboratoryltd/radius-ledger/pkg/subscriber"
)

type createUserRequest struct {
	Username       string            `json:"username" binding:"required,max=64"`
	Password       string            `json:"password" binding:"required"`
	FirstName      string            `json:"firstName" binding:"max=100"`
	LastName       string            `json:"lastName" binding:"max=100"`
	Email          string            `json:"email" binding:"omitempty,email"`
	Phone          string            `json:"phone"`
	Address        string            `json:"address"`
	Group          string            `json:"group"`
	Status         subscriber.Status `json:"status" binding:"omitempty,userstatus"`
	BandwidthLimit int64             `json:"bandwidthLimit" binding:"gte=0"`
	Attributes     map[string]string `json:"attributes"`
}

type updateUserRequest struct {
	Username       *string            `json:"username" binding:"omitempty,min=1,max=64"`
	Password       *string            `json:"password"`
	FirstName      *string            `json:"firstName" binding:"omitempty,max=100"`
	LastName       *string            `json:"lastName" binding:"omitempty,max=100"`
	Email          *string            `json:"email" binding:"omitempty,email"`
	Phone          *string            `json:"phone"`
	Address        *string            `json:"address"`
	Group          *string            `json:"group"`
	Status         *subscriber.Status `json:"status" binding:"omitempty,userstatus"`
	BandwidthLimit *int64             `json:"bandwidthLimit" binding:"omitempty,gte=0"`
	Attributes     map[string]string  `json:"attributes"`
}

type resetPasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

type userStatusRequest struct {
	Status subscriber.Status `json:"status" binding:"required,userstatus"`
}

// withUsage fills the accounting-derived fields of u.
func (s *Server) withUsage(ctx context.Context, u *subscriber.User) (*subscriber.User, error) {
	usage, err := s.deps.Aggregator.UserUsage(ctx, u.Username)
	if err != nil {
		return nil, err
	}
	u.SessionTime = usage.SessionTime
	u.DataUsage = usage.DataUsage
	return u, nil
}

// GET /users?search&group&status
func (s *Server) listUsers(c *gin.Context) {
	ctx := c.Request.Context()
	filter := subscriber.UserFilter{
		Search: c.Query("search"),
		Group:  c.Query("group"),
		Status: subscriber.Status(c.Query("status")),
	}

	users, err := s.deps.Users.ListUsers(ctx, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]*subscriber.User, 0, len(users))
	for _, u := range users {
		u, err := s.withUsage(ctx, u)
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, u)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getUser(c *gin.Context) {
	ctx := c.Request.Context()
	u, err := s.deps.Users.GetUser(ctx, c.Param("id"))
	if err == nil {
		u, err = s.withUsage(ctx, u)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) createUser(c *gin.Context) {
	var req createUserRequest
	if !bind(c, &req) {
		return
	}

	u, err := s.deps.Users.CreateUser(c.Request.Context(), subscriber.UserInput{
		Username:       req.Username,
		Password:       req.Password,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		Phone:          req.Phone,
		Address:        req.Address,
		Group:          req.Group,
		Status:         req.Status,
		BandwidthLimit: req.BandwidthLimit,
		Attributes:     req.Attributes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (s *Server) updateUser(c *gin.Context) {
	var req updateUserRequest
	if !bind(c, &req) {
		return
	}

	ctx := c.Request.Context()
	u, err := s.deps.Users.UpdateUser(ctx, c.Param("id"), subscriber.UserPatch{
		Username:       req.Username,
		Password:       req.Password,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		Phone:          req.Phone,
		Address:        req.Address,
		Group:          req.Group,
		Status:         req.Status,
		BandwidthLimit: req.BandwidthLimit,
		Attributes:     req.Attributes,
	})
	if err == nil {
		u, err = s.withUsage(ctx, u)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) deleteUser(c *gin.Context) {
	if err := s.deps.Users.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result{Success: true, Message: "User deleted"})
}

func (s *Server) resetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bind(c, &req) {
		return
	}
	if err := s.deps.Users.ResetPassword(c.Request.Context(), c.Param("id"), req.Password); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result{Success: true, Message: "Password reset"})
}

func (s *Server) setUserStatus(c *gin.Context) {
	var req userStatusRequest
	if !bind(c, &req) {
		return
	}

	ctx := c.Request.Context()
	u, err := s.deps.Users.SetStatus(ctx, c.Param("id"), req.Status)
	if err == nil {
		u, err = s.withUsage(ctx, u)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// GET /users/groups returns the group picker options.
func (s *Server) listGroupOptions(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Users.GroupOptions(c.Request.Context()))
}

type groupRequest struct {
	Name        string            `json:"name" binding:"required,max=64"`
	Description string            `json:"description" binding:"max=256"`
	Attributes  map[string]string `json:"attributes"`
}

type groupPatchRequest struct {
	Name        *string           `json:"name" binding:"omitempty,min=1,max=64"`
	Description *string           `json:"description" binding:"omitempty,max=256"`
	Attributes  map[string]string `json:"attributes"`
}

func (s *Server) listGroups(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Users.ListGroups(c.Request.Context()))
}

func (s *Server) getGroup(c *gin.Context) {
	g, err := s.deps.Users.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) createGroup(c *gin.Context) {
	var req groupRequest
	if !bind(c, &req) {
		return
	}
	g, err := s.deps.Users.CreateGroup(c.Request.Context(), subscriber.GroupInput{
		Name:        req.Name,
		Description: req.Description,
		Attributes:  req.Attributes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (s *Server) updateGroup(c *gin.Context) {
	var req groupPatchRequest
	if !bind(c, &req) {
		return
	}
	g, err := s.deps.Users.UpdateGroup(c.Request.Context(), c.Param("id"), subscriber.GroupPatch{
		Name:        req.Name,
		Description: req.Description,
		Attributes:  req.Attributes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) deleteGroup(c *gin.Context) {
	if err := s.deps.Users.DeleteGroup(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result{Success: true, Message: "Group deleted"})
}
