package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Documents are stored as JSON string blobs alongside a timestamp
// and version for portability.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) userCollection(email, name string) (*firestore.CollectionRef, error) {
	if email == "" {
		return nil, fmt.Errorf("email cannot be empty")
	}
	return f.client.Collection("users").Doc(email).Collection(name), nil
}

// decodeJSONField extracts and unmarshals the "json" blob of a document.
func decodeJSONField(doc *firestore.DocumentSnapshot, out any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// GetPolicy retrieves a user's policy keyed by email.
func (f *FirestoreProvider) GetPolicy(ctx context.Context, email string) (types.UserPolicy, int, error) {
	doc, err := f.client.Collection("users").Doc(email).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.UserPolicy{}, 0, fmt.Errorf("%w: %s", ErrUserNotFound, email)
		}
		return types.UserPolicy{}, 0, fmt.Errorf("failed to fetch policy for %s: %w", email, err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var p types.UserPolicy
	if err := decodeJSONField(doc, &p); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad policy doc", slog.String("email", email), slog.Any("err", err))
		return types.UserPolicy{}, 0, err
	}
	return p, version, nil
}

// SetPolicy saves a user's policy as a JSON string for portability.
func (f *FirestoreProvider) SetPolicy(ctx context.Context, email string, policy types.UserPolicy, version int) error {
	jsonBytes, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	_, err = f.client.Collection("users").Doc(email).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save policy for %s: %w", email, err)
	}
	return nil
}

// ListUsers returns the emails of all users.
func (f *FirestoreProvider) ListUsers(ctx context.Context) ([]string, error) {
	iter := f.client.Collection("users").DocumentRefs(ctx)
	var emails []string
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating users: %w", err)
		}
		emails = append(emails, ref.ID)
	}
	return emails, nil
}

// SaveTariff stores a tariff snapshot under the user. When the snapshot is
// the default it demotes any previous default first.
func (f *FirestoreProvider) SaveTariff(ctx context.Context, tariff types.SavedTariff) (string, error) {
	coll, err := f.userCollection(tariff.Email, "saved_tariffs")
	if err != nil {
		return "", err
	}

	if tariff.IsDefault {
		if prev, err := f.GetDefaultSavedTariff(ctx, tariff.Email); err != nil {
			return "", err
		} else if prev != nil && prev.ID != tariff.ID {
			prev.IsDefault = false
			if err := f.setSavedTariff(ctx, coll, *prev); err != nil {
				return "", fmt.Errorf("failed to demote previous default: %w", err)
			}
		}
	}

	doc := coll.NewDoc()
	if tariff.ID != "" {
		doc = coll.Doc(tariff.ID)
	}
	tariff.ID = doc.ID
	if tariff.CreatedAt.IsZero() {
		tariff.CreatedAt = time.Now()
	}
	if err := f.setSavedTariff(ctx, coll, tariff); err != nil {
		return "", err
	}
	return tariff.ID, nil
}

func (f *FirestoreProvider) setSavedTariff(ctx context.Context, coll *firestore.CollectionRef, tariff types.SavedTariff) error {
	jsonBytes, err := json.Marshal(tariff)
	if err != nil {
		return fmt.Errorf("failed to marshal saved tariff: %w", err)
	}
	_, err = coll.Doc(tariff.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": tariff.CreatedAt,
		"isDefault": tariff.IsDefault,
	})
	if err != nil {
		return fmt.Errorf("failed to save tariff %s: %w", tariff.ID, err)
	}
	return nil
}

// GetSavedTariff retrieves one tariff snapshot.
func (f *FirestoreProvider) GetSavedTariff(ctx context.Context, email, id string) (types.SavedTariff, error) {
	coll, err := f.userCollection(email, "saved_tariffs")
	if err != nil {
		return types.SavedTariff{}, err
	}
	doc, err := coll.Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.SavedTariff{}, fmt.Errorf("%w: %s", ErrTariffNotFound, id)
		}
		return types.SavedTariff{}, fmt.Errorf("failed to fetch saved tariff %s: %w", id, err)
	}

	var t types.SavedTariff
	if err := decodeJSONField(doc, &t); err != nil {
		return types.SavedTariff{}, err
	}
	return t, nil
}

// GetDefaultSavedTariff returns the default snapshot, or nil when the user
// has none.
func (f *FirestoreProvider) GetDefaultSavedTariff(ctx context.Context, email string) (*types.SavedTariff, error) {
	coll, err := f.userCollection(email, "saved_tariffs")
	if err != nil {
		return nil, err
	}
	iter := coll.Where("isDefault", "==", true).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query default saved tariff: %w", err)
	}

	var t types.SavedTariff
	if err := decodeJSONField(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertPrice adds or updates a price record in the "price_history"
// sub-collection. The document ID is the RFC3339 interval end for efficient
// range queries, suffixed with the channel so both channels coexist.
func (f *FirestoreProvider) UpsertPrice(ctx context.Context, email string, price types.PriceInterval) error {
	jsonBytes, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}

	coll, err := f.userCollection(email, "price_history")
	if err != nil {
		return err
	}

	docID := price.NemTime.UTC().Format(time.RFC3339) + "_" + string(price.ChannelType)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": price.NemTime,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

// GetPriceHistory retrieves price records within the specified time range.
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetPriceHistory(ctx context.Context, email string, start, end time.Time) ([]types.PriceInterval, error) {
	coll, err := f.userCollection(email, "price_history")
	if err != nil {
		return nil, err
	}

	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var prices []types.PriceInterval
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating prices: %w", err)
		}

		var p types.PriceInterval
		if err := decodeJSONField(doc, &p); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "bad price doc", slog.String("email", email), slog.Any("err", err))
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, nil
}

// UpsertEnergySample adds or updates a power-flow snapshot in the
// "energy_history" sub-collection keyed by its timestamp.
func (f *FirestoreProvider) UpsertEnergySample(ctx context.Context, email string, sample types.EnergySample) error {
	if sample.Timestamp.IsZero() {
		return fmt.Errorf("energy sample missing timestamp")
	}
	jsonBytes, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal energy sample: %w", err)
	}

	coll, err := f.userCollection(email, "energy_history")
	if err != nil {
		return err
	}
	docID := sample.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": sample.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert energy sample: %w", err)
	}
	return nil
}
