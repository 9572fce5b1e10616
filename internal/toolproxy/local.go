package toolproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/porterhq/porter/internal/conversation"
	"github.com/porterhq/porter/internal/tokens"
)

// Local tool names. These answer from the ledger directly and never reach
// a remote provider.
const (
	toolFindBookingByToken = "find_booking_by_token"
	toolListGuestRequests  = "list_requests_for_guest"
	toolListRoomRequests   = "list_requests_for_room"
)

type findBookingInput struct {
	Token string `json:"token" jsonschema:"The tracking token returned when the booking action was recorded"`
}

type listGuestRequestsInput struct {
	Status string `json:"status,omitempty" jsonschema:"Optional filter: pending or resolved; omit for all records"`
}

type listRoomRequestsInput struct {
	RoomNumber string `json:"room_number" jsonschema:"The room number whose recorded actions to list"`
	Status     string `json:"status,omitempty" jsonschema:"Optional filter: pending or resolved; omit for all records"`
}

// localDescriptors returns the persona's built-in tools. Guests list their
// own records only, so their listing tool takes no guest identifier; room
// history is staff-facing.
func localDescriptors(persona conversation.Persona) ([]Descriptor, error) {
	findSchema, err := jsonschema.For[findBookingInput](nil)
	if err != nil {
		return nil, fmt.Errorf("toolproxy: building %s schema: %w", toolFindBookingByToken, err)
	}

	descs := []Descriptor{{
		Name:        toolFindBookingByToken,
		Description: "Look up a recorded booking action by its tracking token. Returns the stored record, including whether the remote system has confirmed it.",
		InputSchema: findSchema,
		Origin:      OriginLocal,
	}}

	switch persona {
	case conversation.PersonaGuest:
		guestSchema, err := jsonschema.For[listGuestRequestsInput](nil)
		if err != nil {
			return nil, fmt.Errorf("toolproxy: building %s schema: %w", toolListGuestRequests, err)
		}
		descs = append(descs, Descriptor{
			Name:        toolListGuestRequests,
			Description: "List service actions recorded for this guest, newest first.",
			InputSchema: guestSchema,
			Origin:      OriginLocal,
		})
	case conversation.PersonaStaff:
		roomSchema, err := jsonschema.For[listRoomRequestsInput](nil)
		if err != nil {
			return nil, fmt.Errorf("toolproxy: building %s schema: %w", toolListRoomRequests, err)
		}
		descs = append(descs, Descriptor{
			Name:        toolListRoomRequests,
			Description: "List service actions recorded against a room, newest first.",
			InputSchema: roomSchema,
			Origin:      OriginLocal,
		})
	}
	return descs, nil
}

func (p *Proxy) executeLocal(ctx context.Context, desc *Descriptor, input json.RawMessage, caller Caller) (Result, error) {
	switch desc.Name {
	case toolFindBookingByToken:
		return p.findBookingByToken(ctx, input)
	case toolListGuestRequests:
		return p.listGuestRequests(ctx, input, caller)
	case toolListRoomRequests:
		return p.listRoomRequests(ctx, input)
	default:
		return Result{}, fmt.Errorf("%w: %q has no local handler", ErrUnknownTool, desc.Name)
	}
}

func (p *Proxy) findBookingByToken(ctx context.Context, input json.RawMessage) (Result, error) {
	var in findBookingInput
	if err := decodeInput(input, &in); err != nil {
		return Result{}, err
	}
	token := strings.TrimSpace(in.Token)
	if token == "" {
		return Result{}, fmt.Errorf("%w: token is required", ErrInvalidArguments)
	}

	rec, err := p.ledger.FindByToken(ctx, token)
	if errors.Is(err, tokens.ErrNotFound) {
		return Result{Content: fmt.Sprintf("No booking found for token %q.", token)}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("toolproxy: looking up token: %w", err)
	}
	if rec.Kind != tokens.KindBooking {
		return Result{Content: fmt.Sprintf("No booking found for token %q.", token)}, nil
	}
	return jsonResult(rec)
}

func (p *Proxy) listGuestRequests(ctx context.Context, input json.RawMessage, caller Caller) (Result, error) {
	var in listGuestRequestsInput
	if err := decodeInput(input, &in); err != nil {
		return Result{}, err
	}
	status, err := tokens.ParseStatus(in.Status)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	// The guest identity comes from the session, never from model input.
	recs, err := p.ledger.ListForGuest(ctx, caller.UserID, status, tokens.DefaultListLimit)
	if err != nil {
		return Result{}, fmt.Errorf("toolproxy: listing guest records: %w", err)
	}
	if len(recs) == 0 {
		return Result{Content: "No recorded requests."}, nil
	}
	return jsonResult(recs)
}

func (p *Proxy) listRoomRequests(ctx context.Context, input json.RawMessage) (Result, error) {
	var in listRoomRequestsInput
	if err := decodeInput(input, &in); err != nil {
		return Result{}, err
	}
	room := strings.TrimSpace(in.RoomNumber)
	if room == "" {
		return Result{}, fmt.Errorf("%w: room_number is required", ErrInvalidArguments)
	}
	status, err := tokens.ParseStatus(in.Status)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	recs, err := p.ledger.ListForRoom(ctx, room, status, tokens.DefaultListLimit)
	if err != nil {
		return Result{}, fmt.Errorf("toolproxy: listing room records: %w", err)
	}
	if len(recs) == 0 {
		return Result{Content: fmt.Sprintf("No recorded requests for room %s.", room)}, nil
	}
	return jsonResult(recs)
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func jsonResult(v any) (Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("toolproxy: encoding result: %w", err)
	}
	return Result{Content: string(raw)}, nil
}
