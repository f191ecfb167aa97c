package grpcsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

const (
	idempotencyKeyHeader = "idempotency-key"
	idempotencyTTL       = domain.DefaultIdempotencyTTL

	replayedFailureMessage = "previous request with the same idempotency key failed"
)

type handlerFunc func(context.Context) (*structpb.Struct, error)

// withIdempotency выполняет handler не более одного раза на idempotency-key.
// Повтор с тем же ключом и телом получает сохранённый ответ или ту же ошибку.
func (s *CheckoutService) withIdempotency(ctx context.Context, method string, req *structpb.Struct, handler handlerFunc) (*structpb.Struct, error) {
	if s.idemRepo == nil {
		return handler(ctx)
	}

	key, err := readIdempotencyKey(ctx)
	if err != nil {
		return nil, err
	}
	hash, err := requestFingerprint(method, req)
	if err != nil {
		s.logger.WithError(err).WithField("method", method).Warn("fingerprint request")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	held, err := s.idemRepo.Reserve(ctx, domain.IdempotencyRecord{
		Key:         key,
		Method:      method,
		RequestHash: hash,
		ExpiresAt:   time.Now().UTC().Add(idempotencyTTL),
	})
	if err != nil {
		return s.replay(err, held)
	}

	resp, runErr := handler(ctx)
	// результат сохраняется даже если клиент уже отключился
	s.remember(context.WithoutCancel(ctx), key, resp, runErr)
	if runErr != nil {
		return nil, runErr
	}
	return resp, nil
}

func (s *CheckoutService) replay(reserveErr error, held domain.IdempotencyRecord) (*structpb.Struct, error) {
	switch {
	case errors.Is(reserveErr, domain.ErrIdempotencyHashMismatch):
		return nil, status.Error(codes.AlreadyExists, "idempotency key is already used with different request payload")
	case !errors.Is(reserveErr, domain.ErrIdempotencyKeyAlreadyExists):
		s.logger.WithError(reserveErr).Warn("reserve idempotency key")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	switch held.Status {
	case domain.IdempotencyStatusProcessing:
		return nil, status.Error(codes.Aborted, "request with the same idempotency key is already processing")
	case domain.IdempotencyStatusFailed:
		return nil, replayedFailure(held)
	case domain.IdempotencyStatusDone:
		resp := new(structpb.Struct)
		if len(held.Response) == 0 {
			return resp, nil
		}
		if err := protojson.Unmarshal(held.Response, resp); err != nil {
			s.logger.WithError(err).WithField("idempotency_key", held.Key).Warn("decode cached response")
			return nil, status.Error(codes.Internal, "failed to decode cached idempotency response")
		}
		return resp, nil
	default:
		return nil, status.Error(codes.Internal, "unknown idempotency record status")
	}
}

// remember сохраняет итог обработки; ошибки хранилища только логируются.
// Кэшируются успех и детерминированные отказы; после временного сбоя ключ освобождается,
// и повтор с тем же ключом выполняется заново.
func (s *CheckoutService) remember(ctx context.Context, key string, resp *structpb.Struct, runErr error) {
	outcome := domain.IdempotencyOutcome{Status: domain.IdempotencyStatusDone}
	if runErr != nil {
		st := status.Convert(runErr)
		code := st.Code()
		if !deterministicFailure(code) {
			if err := s.idemRepo.Release(ctx, key); err != nil {
				s.logger.WithError(err).WithField("idempotency_key", key).Warn("release idempotency key")
			}
			return
		}
		outcome = domain.IdempotencyOutcome{
			Status:   domain.IdempotencyStatusFailed,
			Code:     uint32(code),
			Response: []byte(st.Message()),
		}
	} else if resp != nil {
		data, err := protojson.Marshal(resp)
		if err != nil {
			s.logger.WithError(err).WithField("idempotency_key", key).Warn("encode response for idempotency cache")
			return
		}
		outcome.Response = data
	}

	if err := s.idemRepo.Complete(ctx, key, outcome); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"idempotency_key": key,
			"status":          outcome.Status,
		}).Warn("store idempotency outcome")
	}
}

// deterministicFailure — отказ, который повторится на том же теле запроса.
func deterministicFailure(code codes.Code) bool {
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.AlreadyExists, codes.OutOfRange:
		return true
	default:
		return false
	}
}

// replayedFailure восстанавливает ошибку первого вызова.
func replayedFailure(held domain.IdempotencyRecord) error {
	code := codes.Internal
	if held.Code > uint32(codes.OK) && held.Code <= uint32(codes.Unauthenticated) {
		code = codes.Code(held.Code)
	}
	msg := string(held.Response)
	if msg == "" {
		msg = replayedFailureMessage
	}
	return status.Error(code, msg)
}

func readIdempotencyKey(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get(idempotencyKeyHeader) {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", status.Error(codes.InvalidArgument, "idempotency-key metadata is required")
}

// requestFingerprint — sha256 от имени метода и детерминированной сериализации тела.
func requestFingerprint(method string, req proto.Message) (string, error) {
	if req == nil {
		return "", errors.New("request is nil")
	}
	body, err := proto.MarshalOptions{Deterministic: true}.Marshal(req)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
