package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garehq/gare"
	"github.com/garehq/gare/api/middleware"
	"github.com/garehq/gare/central"
	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/apierror"
	"github.com/garehq/gare/realtime"
)

type Api struct {
	service *gare.Gare
	gateway *realtime.Gateway
	link    *central.Link
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.GET("/ws", a.gateway.Handler())
	router.GET("/station/status", a.GetStationStatus)

	router.POST("/destinations", a.CreateDestination)
	router.GET("/destinations", a.GetAllDestinations)
	router.GET("/destinations/:id", a.GetDestination)
	router.PUT("/destinations/:id", a.UpdateDestination)
	router.GET("/destinations/:id/vehicles", a.GetDestinationVehicles)
	router.POST("/destinations/:id/metadata", a.UpdateMetadata)

	router.POST("/vehicles", a.RegisterVehicle)
	router.GET("/vehicles/:id", a.GetVehicle)
	router.PUT("/vehicles/:id/status", a.UpdateVehicleStatus)

	router.POST("/bookings", a.CreateBooking)
	router.GET("/bookings/:id", a.GetBooking)
	router.POST("/bookings/:id/cancel", a.CancelBooking)
	router.POST("/bookings/:id/metadata", a.UpdateMetadata)

	router.POST("/payments", a.RecordPayment)
	router.GET("/operations/:id", a.GetOperation)

	router.POST("/central/pause", a.PauseCentral)
	router.POST("/central/resume", a.ResumeCentral)
	return a.router
}

func NewAPI(service *gare.Gare, gateway *realtime.Gateway, link *central.Link) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "station running...")
	})

	return &Api{service: service, gateway: gateway, link: link, router: r}
}

// httpRequester marks operations submitted over HTTP. They have no
// websocket connection, so terminal outcomes are polled, not pushed.
const httpRequester = "api"

// respondError renders an error with the HTTP status its code maps to.
// Service errors keep their code and details; anything else surfaces as an
// opaque 500.
func respondError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		c.JSON(apierror.MapErrorToHTTPStatus(err), apiErr)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// respondSubmit maps a coordinator verdict to a response. Conflicts are
// final; everything else is acknowledged and polled via /operations/:id.
func respondSubmit(c *gin.Context, result *gare.SubmitResult) {
	if result.Outcome == gare.OutcomeConflict {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}
