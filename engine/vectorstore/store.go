// Package vectorstore is the sole owner of all Qdrant operations: index
// bootstrap, batched upserts, similarity search, and index stats.
package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/iadarshrawat/ticket-rag-ingest/engine/ierr"
	"github.com/iadarshrawat/ticket-rag-ingest/pkg/fn"
)

// UpsertBatchSize bounds how many vectors go into one upsert request.
const UpsertBatchSize = 100

// Record is a single vector to store: identifier, embedding, and the
// chunk-derived metadata payload.
type Record struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

// Match is a single similarity-search hit.
type Match struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Stats summarizes the index state. Fullness is reported by stores that
// have a capacity notion; Qdrant does not, so it stays 0.
type Stats struct {
	Dimension   int
	VectorCount uint64
	Fullness    float64
}

// pointsAPI and collectionsAPI narrow the generated Qdrant clients to the
// calls the store makes, so tests can substitute in-memory fakes.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
}

// Store is a Qdrant-backed vector index handle, safe for concurrent use.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// New creates a Store connected to Qdrant at the given gRPC address.
func New(addr, collection string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients builds a Store over caller-supplied clients. Used by tests.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *Store {
	return &Store{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EnsureIndex creates the collection with the given dimension and cosine
// distance if it is missing. If the collection exists with a different
// dimension, that is a fatal configuration error: the operator must delete
// and recreate the collection, we never silently re-shape it.
func (s *Store) EnsureIndex(ctx context.Context, dims int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}

	for _, c := range list.GetCollections() {
		if c.GetName() != s.collection {
			continue
		}
		info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
		if err != nil {
			return fmt.Errorf("vectorstore: get collection %s: %w", s.collection, err)
		}
		got := int(info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		if got != dims {
			return ierr.NewConfigError("vector index dimension",
				fmt.Errorf("collection %s has dimension %d, want %d; delete and recreate it", s.collection, got, dims))
		}
		return nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

// Upsert writes records in batches of UpsertBatchSize, sequentially. A
// batch failure propagates; batches already written stay committed, which
// is safe because record IDs are deterministic per run and a replay
// idempotently overwrites them.
func (s *Store) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	wait := true
	for _, batch := range fn.Chunk(records, UpsertBatchSize) {
		points := make([]*pb.PointStruct, len(batch))
		for i, r := range batch {
			points[i] = &pb.PointStruct{
				Id: &pb.PointId{
					PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID},
				},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: r.Embedding},
					},
				},
				Payload: toPayload(r.Payload),
			}
		}
		_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: s.collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("vectorstore: upsert %d points: %w", len(batch), err)
		}
	}
	return nil
}

// Query returns the topK nearest neighbors of embedding by cosine
// similarity. filters, when non-empty, constrain on payload equality.
func (s *Store) Query(ctx context.Context, embedding []float32, topK int, includeMetadata bool, filters map[string]string) ([]Match, error) {
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: includeMetadata}},
	}

	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, v := range filters {
			must = append(must, fieldMatch(k, v))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}

	matches := make([]Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		matches[i] = Match{
			ID:      r.GetId().GetUuid(),
			Score:   r.GetScore(),
			Payload: fromPayload(r.GetPayload()),
		}
	}
	return matches, nil
}

// DeleteAll removes every point from the collection. The collection
// itself and its dimension survive.
func (s *Store) DeleteAll(ctx context.Context) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete all: %w", err)
	}
	return nil
}

// Stats reports the collection's dimension and vector count.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err != nil {
		return Stats{}, fmt.Errorf("vectorstore: get collection %s: %w", s.collection, err)
	}
	result := info.GetResult()
	return Stats{
		Dimension:   int(result.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
		VectorCount: result.GetPointsCount(),
	}, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
