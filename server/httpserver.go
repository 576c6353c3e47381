package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/cubefs/backupstore/errors"
	"github.com/cubefs/backupstore/metrics"
	"github.com/cubefs/backupstore/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

// HttpServer is the request surface the cluster transport dispatches into.
// Wire marshalling stays out here; the operations themselves live on the
// embedded Server.
type HttpServer struct {
	httpServer    *http.Server
	auditRecorder auditlog.LogCloser

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string, auditCfg *auditlog.Config) error {
	logHandler, recorder, err := auditlog.Open("BACKUPSTORE", auditCfg)
	if err != nil {
		return err
	}
	h.auditRecorder = recorder

	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), logHandler, ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
	return nil
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
	if h.auditRecorder != nil {
		h.auditRecorder.Close()
	}
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.POST("/segment/open", h.OpenSegment, rpc.OptArgsBody())
	rpc.POST("/segment/write", h.WriteSegment, rpc.OptArgsBody())
	rpc.POST("/segment/close", h.CloseSegment, rpc.OptArgsBody())
	rpc.POST("/segment/free", h.FreeSegment, rpc.OptArgsBody())
	rpc.POST("/segment/evict", h.EvictSegment, rpc.OptArgsBody())
	rpc.GET("/recovery/start", h.StartReadingData, rpc.OptArgsQuery())
	rpc.POST("/recovery/data", h.GetRecoveryData, rpc.OptArgsBody())
	rpc.POST("/membership/change", h.MembershipChanged, rpc.OptArgsBody())
	rpc.GET("/server/up", h.ServerIsUp, rpc.OptArgsQuery())
	rpc.GET("/stats", h.Stats, rpc.OptArgsQuery())

	promHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	rpc.GET("/metrics", func(c *rpc.Context) {
		promHandler.ServeHTTP(c.Writer, c.Request)
	})

	return rpc.DefaultRouter
}

type SegmentArgs struct {
	OwnerID   proto.OwnerID   `json:"owner_id"`
	SegmentID proto.SegmentID `json:"segment_id"`
}

type WriteSegmentArgs struct {
	OwnerID   proto.OwnerID   `json:"owner_id"`
	SegmentID proto.SegmentID `json:"segment_id"`
	Offset    uint32          `json:"offset"`
	Data      []byte          `json:"data"`
}

type StartReadingArgs struct {
	OwnerID proto.OwnerID `json:"owner_id"`
}

type RecoveryDataArgs struct {
	OwnerID   proto.OwnerID   `json:"owner_id"`
	SegmentID proto.SegmentID `json:"segment_id"`
	Ranges    proto.KeyRanges `json:"ranges"`
}

type MembershipChangeArgs struct {
	Details proto.ServerDetails `json:"details"`
	Event   proto.ServerEvent   `json:"event"`
}

type ServerUpArgs struct {
	ServerID proto.ServerID `json:"server_id"`
}

func (h *HttpServer) OpenSegment(c *rpc.Context) {
	args := new(SegmentArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.backup.OpenSegment(c.Request.Context(), args.OwnerID, args.SegmentID); err != nil {
		respondFault(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) WriteSegment(c *rpc.Context) {
	args := new(WriteSegmentArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.backup.WriteSegment(c.Request.Context(), args.OwnerID, args.SegmentID, args.Offset, args.Data); err != nil {
		respondFault(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) CloseSegment(c *rpc.Context) {
	args := new(SegmentArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.backup.CloseSegment(c.Request.Context(), args.OwnerID, args.SegmentID); err != nil {
		respondFault(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) FreeSegment(c *rpc.Context) {
	args := new(SegmentArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.backup.FreeSegment(c.Request.Context(), args.OwnerID, args.SegmentID); err != nil {
		respondFault(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) EvictSegment(c *rpc.Context) {
	args := new(SegmentArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.backup.EvictSegment(c.Request.Context(), args.OwnerID, args.SegmentID); err != nil {
		respondFault(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) StartReadingData(c *rpc.Context) {
	args := new(StartReadingArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	mds, err := h.backup.StartReadingData(c.Request.Context(), args.OwnerID)
	if err != nil {
		respondFault(c, err)
		return
	}
	c.RespondJSON(mds)
}

func (h *HttpServer) GetRecoveryData(c *rpc.Context) {
	args := new(RecoveryDataArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	entries, err := h.backup.GetRecoveryData(c.Request.Context(), args.OwnerID, args.SegmentID, args.Ranges)
	if err != nil {
		respondFault(c, err)
		return
	}
	c.RespondJSON(entries)
}

func (h *HttpServer) MembershipChanged(c *rpc.Context) {
	args := new(MembershipChangeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	h.tracker.ApplyChange(args.Details, args.Event)
	c.Respond()
}

func (h *HttpServer) ServerIsUp(c *rpc.Context) {
	args := new(ServerUpArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(map[string]bool{"up": h.monitor.ServerIsUp(args.ServerID)})
}

func (h *HttpServer) Stats(c *rpc.Context) {
	c.RespondJSON(h.backup.Stats())
}

// respondFault maps the fault taxonomy onto status codes. Not-resident is
// deliberately distinct from not-found so recovery callers retry instead of
// giving a segment up for lost.
func respondFault(c *rpc.Context, err error) {
	status := http.StatusInternalServerError
	switch err {
	case apierrors.ErrSegmentNotFound:
		status = http.StatusNotFound
	case apierrors.ErrSegmentNotResident:
		status = http.StatusServiceUnavailable
	case apierrors.ErrSegmentAlreadyOpen, apierrors.ErrInvalidState:
		status = http.StatusConflict
	case apierrors.ErrInvalidArgument:
		status = http.StatusBadRequest
	case apierrors.ErrPoolExhausted, apierrors.ErrStorageExhausted:
		status = http.StatusInsufficientStorage
	case apierrors.ErrBackupClosed:
		status = http.StatusGone
	}
	c.RespondError(rpc.NewError(status, "", err))
}
