package services

import (
	"context"
	"fmt"
	"time"

	"sealed-relay/internal/domain/encryption"
	"sealed-relay/internal/domain/senderkey"
	"sealed-relay/internal/repository"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxDistributionBytes = 64 * 1024

// DeviceLister lists a user's registered devices.
type DeviceLister interface {
	ListDevices(ctx context.Context, userID uuid.UUID) ([]encryption.Device, error)
}

// SenderKeyDevices is the device view the distributor needs.
type SenderKeyDevices interface {
	DeviceLister
	DeviceChecker
}

type StoreDistributionInput struct {
	ChannelID         uuid.UUID
	SenderUserID      uuid.UUID
	SenderDeviceID    int
	RecipientUserID   uuid.UUID
	RecipientDeviceID int // senderkey.AnyDevice for every device
	Payload           []byte
}

// SenderKeyDistributor relays group sender keys through a read-once mailbox.
type SenderKeyDistributor struct {
	repo       repository.SenderKeyRepository
	membership MembershipOracle
	devices    SenderKeyDevices
	clock      func() time.Time
	log        *zap.Logger
}

func NewSenderKeyDistributor(repo repository.SenderKeyRepository, membership MembershipOracle, devices SenderKeyDevices) *SenderKeyDistributor {
	return &SenderKeyDistributor{
		repo:       repo,
		membership: membership,
		devices:    devices,
		clock:      time.Now,
		log:        zap.L().With(zap.String("component", "sender_keys")),
	}
}

func (s *SenderKeyDistributor) requireMember(ctx context.Context, channelID, userID uuid.UUID) error {
	ok, err := s.membership.IsChannelMember(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("sender key access denied",
			zap.String("channel_id", channelID.String()),
			zap.String("user_id", userID.String()),
		)
		return fmt.Errorf("%w: not a member of channel", sealed_errors.ErrForbidden)
	}
	return nil
}

// GetChannelMembers lists the members of the channel's group with the
// devices that should receive sender keys. Members without a registered
// active device default to device 1.
func (s *SenderKeyDistributor) GetChannelMembers(ctx context.Context, channelID, requesterID uuid.UUID) ([]senderkey.ChannelMember, error) {
	if err := s.requireMember(ctx, channelID, requesterID); err != nil {
		return nil, err
	}
	userIDs, err := s.membership.ChannelMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}

	members := make([]senderkey.ChannelMember, 0, len(userIDs))
	for _, id := range userIDs {
		member := senderkey.ChannelMember{UserID: id}
		if s.devices != nil {
			devices, err := s.devices.ListDevices(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, d := range devices {
				if d.IsActive {
					member.DeviceIDs = append(member.DeviceIDs, d.DeviceID)
				}
			}
		}
		if len(member.DeviceIDs) == 0 {
			member.DeviceIDs = []int{1}
		}
		members = append(members, member)
	}
	return members, nil
}

// StoreDistribution replaces any pending record for the same sender and
// recipient slot.
func (s *SenderKeyDistributor) StoreDistribution(ctx context.Context, in StoreDistributionInput) (senderkey.Distribution, error) {
	if in.SenderDeviceID <= 0 {
		return senderkey.Distribution{}, fmt.Errorf("%w: sender device id is required", sealed_errors.ErrInvalidInput)
	}
	if in.RecipientUserID == uuid.Nil || in.RecipientDeviceID < 0 {
		return senderkey.Distribution{}, fmt.Errorf("%w: recipient is required", sealed_errors.ErrInvalidInput)
	}
	if len(in.Payload) == 0 {
		return senderkey.Distribution{}, fmt.Errorf("%w: payload is required", sealed_errors.ErrInvalidInput)
	}
	if len(in.Payload) > maxDistributionBytes {
		return senderkey.Distribution{}, fmt.Errorf("%w: payload exceeds %d bytes", sealed_errors.ErrTooLarge, maxDistributionBytes)
	}
	if err := s.requireMember(ctx, in.ChannelID, in.SenderUserID); err != nil {
		return senderkey.Distribution{}, err
	}
	if err := s.requireMember(ctx, in.ChannelID, in.RecipientUserID); err != nil {
		return senderkey.Distribution{}, err
	}
	if s.devices != nil {
		ok, err := s.devices.IsActiveDevice(ctx, in.SenderUserID, in.SenderDeviceID)
		if err != nil {
			return senderkey.Distribution{}, err
		}
		if !ok {
			return senderkey.Distribution{}, fmt.Errorf("%w: sender device %d is not registered", sealed_errors.ErrInvalidInput, in.SenderDeviceID)
		}
	}

	d := senderkey.Distribution{
		ID:                uuid.New(),
		ChannelID:         in.ChannelID,
		SenderUserID:      in.SenderUserID,
		SenderDeviceID:    in.SenderDeviceID,
		RecipientUserID:   in.RecipientUserID,
		RecipientDeviceID: in.RecipientDeviceID,
		Payload:           in.Payload,
		CreatedAt:         s.clock(),
	}
	if err := s.repo.Upsert(ctx, d); err != nil {
		return senderkey.Distribution{}, err
	}
	return d, nil
}

// FetchPending returns and deletes the recipient's pending records.
// recipientDeviceID AnyDevice takes every record addressed to the user.
func (s *SenderKeyDistributor) FetchPending(ctx context.Context, channelID, recipientUserID uuid.UUID, recipientDeviceID int) ([]senderkey.Distribution, error) {
	if recipientDeviceID < 0 {
		return nil, fmt.Errorf("%w: invalid device id", sealed_errors.ErrInvalidInput)
	}
	if err := s.requireMember(ctx, channelID, recipientUserID); err != nil {
		return nil, err
	}
	return s.repo.TakePending(ctx, channelID, recipientUserID, recipientDeviceID)
}
