package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modulaur/modulaur/internal/bridge"
	"github.com/modulaur/modulaur/internal/logger"
	"github.com/modulaur/modulaur/internal/record"
	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// Services bundles the host-side components guests may reach. One Services
// value is shared by all plugins; ForPlugin binds it to a caller identity so
// every capability check sees who is asking.
type Services struct {
	Bridge  *bridge.Bridge
	Records *record.Adapter
	Data    *record.DataService
	Log     *logger.Logger
}

// ForPlugin returns the HostAPI a single plugin's instances are wired to.
func (s *Services) ForPlugin(pluginID string) HostAPI {
	return &hostAPI{
		services: s,
		pluginID: pluginID,
		log:      s.Log.WithComponent("hostcall").WithPlugin(pluginID),
	}
}

type hostAPI struct {
	services *Services
	pluginID string
	log      *logger.Logger
}

// Invoke dispatches one host function. The response envelope is
// {"ok": <result>} on success and {"error": {"code", "message"}} on
// failure; a guest never observes a trap from a failed host call.
func (h *hostAPI) Invoke(ctx context.Context, fn string, payload []byte) []byte {
	result, err := h.dispatch(ctx, fn, payload)
	if err != nil {
		h.log.Debugf("%s failed: %v", fn, err)
		return errorEnvelope(err)
	}
	return okEnvelope(result)
}

func (h *hostAPI) dispatch(ctx context.Context, fn string, payload []byte) (any, error) {
	switch fn {
	case FnHTTPGet:
		url := gjson.GetBytes(payload, "url").String()
		return h.services.Bridge.Get(ctx, h.pluginID, url)

	case FnHTTPRequest:
		var req bridge.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("malformed request: %w", err)
		}
		return h.services.Bridge.Do(ctx, h.pluginID, req)

	case FnRecordUpsert:
		var rec record.StagedRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("malformed record: %w", err)
		}
		return h.services.Records.Upsert(ctx, h.pluginID, rec)

	case FnRecordGetByType:
		recordType := gjson.GetBytes(payload, "record_type").String()
		records, err := h.services.Records.GetByType(ctx, h.pluginID, recordType)
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = []record.StagedRecord{}
		}
		return records, nil

	case FnRecordUpdate:
		id, err := record.ParseRecordID(gjson.GetBytes(payload, "id").String())
		if err != nil {
			return nil, err
		}
		var rec record.StagedRecord
		if raw := gjson.GetBytes(payload, "record"); raw.Exists() {
			if err := json.Unmarshal([]byte(raw.Raw), &rec); err != nil {
				return nil, fmt.Errorf("malformed record: %w", err)
			}
		}
		return h.services.Records.Update(ctx, h.pluginID, id, rec)

	case FnRecordDelete:
		id, err := record.ParseRecordID(gjson.GetBytes(payload, "id").String())
		if err != nil {
			return nil, err
		}
		if err := h.services.Records.Delete(ctx, h.pluginID, id); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil

	case FnDataSet:
		dataType := gjson.GetBytes(payload, "type").String()
		if dataType == "" {
			dataType = "string"
		}
		return h.services.Data.Set(ctx, h.pluginID,
			gjson.GetBytes(payload, "panel_id").String(),
			gjson.GetBytes(payload, "key").String(),
			gjson.GetBytes(payload, "value").String(),
			dataType)

	case FnDataGet:
		return h.services.Data.Get(ctx, h.pluginID,
			gjson.GetBytes(payload, "panel_id").String(),
			gjson.GetBytes(payload, "key").String())

	case FnDataDelete:
		n, err := h.services.Data.Delete(ctx, h.pluginID,
			gjson.GetBytes(payload, "panel_id").String(),
			gjson.GetBytes(payload, "key").String())
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": n}, nil

	case FnDataList:
		entries, err := h.services.Data.All(ctx, h.pluginID)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []record.PluginData{}
		}
		return entries, nil

	default:
		return nil, fmt.Errorf("unknown host function %q", fn)
	}
}

func okEnvelope(result any) []byte {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorEnvelope(fmt.Errorf("encode response: %w", err))
	}
	out, err := sjson.SetRawBytes([]byte(`{}`), "ok", raw)
	if err != nil {
		return errorEnvelope(err)
	}
	return out
}

func errorEnvelope(err error) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "error.code", errorCode(err))
	out, _ = sjson.SetBytes(out, "error.message", err.Error())
	return out
}

// errorCode maps typed runtime errors onto the stable codes guests match
// against. Unknown errors collapse to "internal".
func errorCode(err error) string {
	switch {
	case runtimeerrors.IsCapabilityDenied(err):
		return "capability_denied"
	case runtimeerrors.IsNotFound(err):
		return "not_found"
	case runtimeerrors.IsResponseTooLarge(err):
		return "response_too_large"
	}
	var bridgeErr *runtimeerrors.BridgeError
	if errors.As(err, &bridgeErr) {
		if bridgeErr.Reason == runtimeerrors.ReasonBadRequest {
			return "bad_request"
		}
		return "bridge_error"
	}
	return "internal"
}
