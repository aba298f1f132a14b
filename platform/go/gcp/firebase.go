package gcp

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/zapagent-ai/zapagent-saas/platform/go/setups"
)

// GetApp creates a Firebase App instance. When pathToJson is nil the default
// application credentials chain applies (Cloud Run service account).
func GetApp(ctx context.Context, pathToJson *string) (app *firebase.App, err error) {
	if pathToJson != nil {
		sa := option.WithCredentialsFile(*pathToJson)
		app, err = firebase.NewApp(ctx, nil, sa)
	} else {
		app, err = firebase.NewApp(ctx, nil)
	}

	if err != nil {
		return nil, err
	}
	return
}

// InitFirebaseAuth initializes the Firebase App and returns an Auth client.
// Only Auth is used; user records and sessions live entirely in Firebase.
func InitFirebaseAuth(ctx context.Context) (*firebase.App, *firebaseauth.Client, error) {
	firebaseApp, err := GetApp(ctx, setups.DevFirebasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing firebase app [%w]", err)
	}

	fbAuth, err := firebaseApp.Auth(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing firebase auth [%w]", err)
	}

	return firebaseApp, fbAuth, nil
}
