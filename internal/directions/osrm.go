package directions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: timeout},
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry string  `json:"geometry"`
	} `json:"routes"`
}

// Route queries /route/v1/{profile}/{lon1},{lat1};{lon2},{lat2} with an encoded polyline overview.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=polyline",
		o.Endpoint, o.Profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.Route{}, models.Remote("osrm route", err)
	}
	defer resp.Body.Close()

	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Route{}, models.Remote("osrm decode", fmt.Errorf("status %d: %w", resp.StatusCode, err))
	}
	// OSRM answers 400 with code NoRoute / NoSegment when the points cannot be connected.
	switch {
	case out.Code == "Ok" && len(out.Routes) > 0:
	case out.Code == "NoRoute" || out.Code == "NoSegment" || (out.Code == "Ok" && len(out.Routes) == 0):
		return models.Route{}, fmt.Errorf("%w: osrm %s", models.ErrNoRouteFound, out.Code)
	default:
		return models.Route{}, models.Remote("osrm route", fmt.Errorf("status %d code %q: %s", resp.StatusCode, out.Code, out.Message))
	}
	r := out.Routes[0]
	return models.Route{DistanceMeters: r.Distance, DurationSeconds: r.Duration, Polyline: r.Geometry}, nil
}
