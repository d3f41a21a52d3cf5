// Package fal is a small client for the fal.ai queue API.
//
// Subscribe submits a request to a model, polls its status until the
// queue reports it as completed and then fetches the final result:
//
//	client := fal.NewClient(fal.Config{Key: key})
//	res, err := client.Subscribe(ctx, "fal-ai/lama", map[string]any{
//	    "image_url": "https://example.com/in.png",
//	})
//	if err != nil {
//	    // transport failure, non-2xx answer or cancelled context
//	}
//	url := res.OutputURL() // empty when the model produced no image
//
// The API key is passed in explicitly; the client never reads or writes
// the process environment.
package fal
