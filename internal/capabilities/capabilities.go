// Package capabilities implements the seed-capability exchange: POSTing
// the list of capability names the engine wants to a region's seed URL and
// parsing the LLSD-XML map of name -> URL it returns.
package capabilities

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/beevik/etree"

	"github.com/postalsys/gridwire/internal/config"
	"github.com/postalsys/gridwire/internal/errs"
	"github.com/postalsys/gridwire/internal/logging"
	"github.com/postalsys/gridwire/internal/metrics"
	"github.com/postalsys/gridwire/internal/session"
)

// Requested is the fixed list of capability names the engine asks every
// seed endpoint for, grounded verbatim in the original client's
// OFFICIAL_VIEWER_CAPABILITIES table (113 entries).
var Requested = []string{
	"AbuseCategories", "AcceptFriendship", "AcceptGroupInvite", "AgentPreferences",
	"AgentProfile", "AgentState", "AttachmentResources", "AvatarPickerSearch",
	"AvatarRenderInfo", "CharacterProperties", "ChatSessionRequest",
	"CopyInventoryFromNotecard", "CreateInventoryCategory", "DeclineFriendship",
	"DeclineGroupInvite", "DispatchRegionInfo", "DirectDelivery", "EnvironmentSettings",
	"EstateAccess", "EstateChangeInfo", "EventQueueGet", "ExtEnvironment", "FetchLib2",
	"FetchLibDescendents2", "FetchInventory2", "FetchInventoryDescendents2",
	"IncrementCOFVersion", "RequestTaskInventory", "InventoryAPIv3", "LibraryAPIv3",
	"InterestList", "InventoryThumbnailUpload", "GetDisplayNames", "GetExperiences",
	"AgentExperiences", "FindExperienceByName", "GetExperienceInfo", "GetAdminExperiences",
	"GetCreatorExperiences", "ExperiencePreferences", "GroupExperiences", "UpdateExperience",
	"IsExperienceAdmin", "IsExperienceContributor", "RegionExperiences", "ExperienceQuery",
	"GetMetadata", "GetObjectCost", "GetObjectPhysicsData", "GroupAPIv1", "GroupMemberData",
	"GroupProposalBallot", "HomeLocation", "LandResources", "LSLSyntax", "MapLayer",
	"MapLayerGod", "MeshUploadFlag", "ModifyMaterialParams", "ModifyRegion",
	"NavMeshGenerationStatus", "NewFileAgentInventory", "ObjectAnimation", "ObjectMedia",
	"ObjectMediaNavigate", "ObjectNavMeshProperties", "ParcelPropertiesUpdate",
	"ParcelVoiceInfoRequest", "ProductInfoRequest", "ProvisionVoiceAccountRequest",
	"VoiceSignalingRequest", "ReadOfflineMsgs", "RegionObjects", "RegionSchedule",
	"RemoteParcelRequest", "RenderMaterials", "RequestTextureDownload",
	"ResourceCostSelected", "RetrieveNavMeshSrc", "SearchStatRequest", "SearchStatTracking",
	"SendPostcard", "SendUserReport", "SendUserReportWithScreenshot", "ServerReleaseNotes",
	"SetDisplayName", "SimConsoleAsync", "SimulatorFeatures", "StartGroupProposal",
	"TerrainNavMeshProperties", "TextureStats", "UntrustedSimulatorMessage",
	"UpdateAgentInformation", "UpdateAgentLanguage", "UpdateAvatarAppearance",
	"UpdateGestureAgentInventory", "UpdateGestureTaskInventory",
	"UpdateNotecardAgentInventory", "UpdateNotecardTaskInventory", "UpdateScriptAgent",
	"UpdateScriptTask", "UpdateSettingsAgentInventory", "UpdateSettingsTaskInventory",
	"UploadAgentProfileImage", "UpdateMaterialAgentInventory", "UpdateMaterialTaskInventory",
	"UploadBakedTexture", "UserInfo", "ViewerAsset", "ViewerBenefits", "ViewerMetrics",
	"ViewerStartAuction", "ViewerStats",
}

// Client performs the seed-capability POST and parses its response.
type Client struct {
	httpClient *http.Client
	cfg        config.CapsConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient builds a capabilities Client.
func NewClient(httpClient *http.Client, cfg config.CapsConfig, logger *slog.Logger, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{httpClient: httpClient, cfg: cfg, logger: logger, metrics: m}
}

// buildRequest renders the LLSD `<llsd><array><string>...</string>...</array></llsd>`
// request body naming every capability in Requested.
func buildRequest() []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0"`)
	llsd := doc.CreateElement("llsd")
	array := llsd.CreateElement("array")
	for _, name := range Requested {
		array.CreateElement("string").SetText(name)
	}
	var buf bytes.Buffer
	doc.WriteTo(&buf)
	return buf.Bytes()
}

// parseResponse walks an LLSD `<llsd><map><key>...</key><string>...</string>...</map></llsd>`
// document into a name -> URL dictionary. Non-string map values (rare in
// practice for the seed response) are skipped rather than failing the
// whole fetch.
func parseResponse(body []byte) (session.Capabilities, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("%w: parse llsd response: %v", errs.ErrCapabilityUnavailable, err)
	}

	root := doc.SelectElement("llsd")
	if root == nil {
		return nil, fmt.Errorf("%w: response missing <llsd> root", errs.ErrCapabilityUnavailable)
	}
	m := root.SelectElement("map")
	if m == nil {
		return nil, fmt.Errorf("%w: response missing <map>", errs.ErrCapabilityUnavailable)
	}

	caps := make(session.Capabilities)
	var pendingKey string
	haveKey := false
	for _, child := range m.ChildElements() {
		switch child.Tag {
		case "key":
			pendingKey = child.Text()
			haveKey = true
		case "string":
			if haveKey {
				caps[pendingKey] = child.Text()
				haveKey = false
			}
		default:
			// uri/undef/etc: not expected in the seed response; skip.
			haveKey = false
		}
	}
	return caps, nil
}

// Fetch POSTs the capability request to seedURL and returns the resulting
// dictionary plus the names of any requested-but-unreturned capabilities
// (diagnostic only). sessionCookie, when non-empty, is the
// out-of-band HTTP cookie from the login's OpenID exchange.
func (c *Client) Fetch(ctx context.Context, seedURL string, udpListenPort int, sessionCookie string) (session.Capabilities, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, seedURL, bytes.NewReader(buildRequest()))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: build seed request: %v", errs.ErrCapabilityUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/llsd+xml")
	req.Header.Set("Accept", "application/llsd+xml")
	req.Header.Set("X-SecondLife-UDP-Listen-Port", strconv.Itoa(udpListenPort))
	if sessionCookie != "" {
		req.Header.Set("Cookie", sessionCookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: seed request: %v", errs.ErrCapabilityUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read seed response: %v", errs.ErrCapabilityUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: seed request status %d", errs.ErrCapabilityUnavailable, resp.StatusCode)
	}

	caps, err := parseResponse(body)
	if err != nil {
		return nil, nil, err
	}

	var missing []string
	for _, name := range Requested {
		if _, ok := caps[name]; !ok {
			missing = append(missing, name)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordCapabilitiesFetched(len(caps), len(missing))
	}
	if len(missing) > 0 {
		c.logger.Debug("seed capabilities missing", logging.KeyCount, len(missing))
	}

	return caps, missing, nil
}
